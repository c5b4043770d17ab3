// Package attrfs presents a model.Registry as a FUSE filesystem, the way
// sysfs presents kobjects.
//
// Every registered node is a directory and every attribute is a regular
// file. File modes follow the attribute accessors: 0444 for read-only,
// 0200 for write-only and 0644 for read/write. Reading a file calls the
// attribute's Show callback once per open with a page-sized buffer.
// Writes are buffered per open file and committed to the Store callback
// when the file is flushed, so the result of the store is reported by
// close(2):
//
//	$ echo 42 > /mnt/hw/my_attr_demo/value
//	$ cat /mnt/hw/bus/my_bus/devices/alpha/driver
//	alpha_drv
//
// Nodes are resolved by path on every operation. A node unregistered
// while a file is open makes further reads and writes fail with ENOENT.
package attrfs
