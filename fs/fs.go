// Package fs defines the file-system contract used by the open-file table
// and the mapping loader, together with an in-memory implementation.
package fs

const (
	// BlockSize is the file-system block size in bytes.
	BlockSize = 1024

	// MaxOpBlocks is the most blocks any single file-system operation
	// may write.
	MaxOpBlocks = 10

	// LogSize is the capacity of the on-disk log in blocks.
	LogSize = MaxOpBlocks * 3

	// NDirect and NIndirect describe the block map of an inode.
	NDirect   = 12
	NIndirect = BlockSize / 4

	// MaxFileSize is the largest file an inode can describe.
	MaxFileSize = (NDirect + NIndirect) * BlockSize
)

// MaxWriteChunk is the largest write that fits in one transaction. Out of
// MaxOpBlocks the inode, one indirect block and two blocks of slop for
// unaligned writes are reserved; every remaining data block may need a
// matching bitmap block.
const MaxWriteChunk = ((MaxOpBlocks - 1 - 1 - 2) / 2) * BlockSize

// Inode is a file-system object that can be read and written at an offset.
// ReadAt and WriteAt must be called with the inode locked; WriteAt and Put
// must additionally run inside a transaction of the inode's journal.
type Inode interface {
	Lock()
	Unlock()
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)

	// Put drops one reference to the inode.
	Put()

	// Journal returns the journal of the device holding the inode.
	Journal() Journaler
}

// Journaler brackets a group of block writes into one crash-atomic
// transaction.
type Journaler interface {
	BeginOp()
	EndOp()
}
