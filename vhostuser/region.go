package vhostuser

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

const hugetlbfsMagic = 0x958458f6

// fdPageSize returns the page granularity backing fd: the hugepage size
// when fd lives on hugetlbfs (a memory-backend-file master commonly shares
// over SET_MEM_TABLE), pageSize otherwise.
func fdPageSize(fd int) uint64 {
	var fs unix.Statfs_t
	for {
		err := unix.Fstatfs(fd, &fs)
		if err != unix.EINTR {
			break
		}
	}
	if fs.Type == hugetlbfsMagic {
		return uint64(fs.Bsize)
	}
	return pageSize
}

// rawRegion is one mmap'd SET_MEM_TABLE region, kept in the raw form the
// master supplied it in so SET_VRING_ADDR can translate its UVA addresses
// back to guest-physical ones.
type rawRegion struct {
	MemoryRegion
	Data []byte
}

func (r *rawRegion) containsUVA(uva uint64) bool {
	return uva >= r.UserAddr && uva < r.UserAddr+r.MemorySize
}

// mmapRegion validates alignment per the vhost-user spec (size, guest_addr
// and user_addr+mmap_offset are all multiples of fd's backing page size)
// and maps fd.
func mmapRegion(fd int, mr MemoryRegion) (rawRegion, error) {
	if mr.MemorySize == 0 {
		return rawRegion{}, fmt.Errorf("vhost-user: zero-size memory region")
	}
	align := fdPageSize(fd)
	if mr.MemorySize%align != 0 || mr.GuestPhysAddr%align != 0 || (mr.UserAddr+mr.MmapOffset)%align != 0 {
		return rawRegion{}, fmt.Errorf("vhost-user: memory region %#x is not page aligned", mr.GuestPhysAddr)
	}

	data, err := syscall.Mmap(fd, int64(mr.MmapOffset), int(mr.MemorySize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return rawRegion{}, fmt.Errorf("vhost-user: mmap region %#x: %w", mr.GuestPhysAddr, err)
	}
	unix.Madvise(data, unix.MADV_DONTDUMP)

	return rawRegion{MemoryRegion: mr, Data: data}, nil
}

func munmapAll(regions []rawRegion) {
	for _, r := range regions {
		if r.Data != nil {
			syscall.Munmap(r.Data)
		}
	}
}

// translateUVA resolves a master user-virtual address into the
// guest-physical address it corresponds to, for SET_VRING_ADDR.
func translateUVA(regions []rawRegion, uva uint64) (gpa uint64, ok bool) {
	for _, r := range regions {
		if r.containsUVA(uva) {
			return r.GuestPhysAddr + (uva - r.UserAddr), true
		}
	}
	return 0, false
}
