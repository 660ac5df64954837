package jffs2

const (
	S_IFMT  = 0o170000
	S_IFDIR = 0o040000 // Directory
	S_IFCHR = 0o020000 // Character device
	S_IFREG = 0o100000 // Regular file

	S_IRWXUGO = 0o0777 // Read, write, execute for owner, group, others
)

// Directory entry types, (mode & S_IFMT) >> 12.
const (
	DT_UNKNOWN uint8 = 0
	DT_CHR     uint8 = 2
	DT_DIR     uint8 = 4
	DT_REG     uint8 = 8
)

func IsDir(mode uint32) bool { return mode&S_IFMT == S_IFDIR }
func IsReg(mode uint32) bool { return mode&S_IFMT == S_IFREG }
func IsChr(mode uint32) bool { return mode&S_IFMT == S_IFCHR }

func modeToDT(mode uint32) uint8 {
	return uint8((mode & S_IFMT) >> 12)
}
