/*
Package mmu provides the memory-mapping service the process core relies on.

The service owns physical memory and every environment's page table:

  - PhysMem hands out 4 KiB frames and reference-counts them, so a frame
    shared by several address spaces lives until its last mapping goes.
  - AddrSpace maps page-aligned user virtual addresses to frames with
    permission bits (PermP, PermU, PermW and the software bit PermCOW).
  - Read and Write perform user-mode memory accesses. An access the page
    table does not allow stops at the faulting page and returns a *Fault
    carrying the address and access kind; the kernel hands that to the
    environment's registered fault upcall before giving up on the access.

# Layout

Below UTOP the address space belongs to the user:

	UTOP, UXSTACKTOP  ->  +------------------------+
	                      | user exception stack   |  one page
	                      +------------------------+
	                      | empty guard page       |
	USTACKTOP         ->  +------------------------+
	                      | normal user stack      |
	                      |          ...           |
	PFTEMP            ->  | fault handler scratch  |
	UTEMP             ->  +------------------------+

Requests against one address space are serialized by its mutex; the
kernel does not need to hold any other lock while calling into it.
*/
package mmu
