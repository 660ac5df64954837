package models

import "fmt"

// RootID is the inode number of the filesystem root. A zero id on lookup
// entry is normalized to it.
const RootID uint32 = 1

// Oid identifies a filesystem object across the message boundary. Port is
// the server endpoint owning the object, ID the inode number.
type Oid struct {
	Port uint32
	ID   uint32
}

func (o Oid) String() string {
	return fmt.Sprintf("%d:%d", o.Port, o.ID)
}

type ObjectType uint32

const (
	ObjectTypeDir     ObjectType = 0 // otDir
	ObjectTypeFile    ObjectType = 1 // otFile
	ObjectTypeDev     ObjectType = 2 // otDev
	ObjectTypeSymlink ObjectType = 3 // otSymlink
	ObjectTypeUnknown ObjectType = 4 // otUnknown
)

func (t ObjectType) String() string {
	switch t {
	case ObjectTypeDir:
		return "dir"
	case ObjectTypeFile:
		return "file"
	case ObjectTypeDev:
		return "dev"
	case ObjectTypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Attr selects an inode field for get/set attribute requests.
type Attr uint32

const (
	AttrMode Attr = 0 // atMode
	AttrUID  Attr = 1 // atUid
	AttrGID  Attr = 2 // atGid
	AttrSize Attr = 3 // atSize
	AttrType Attr = 4 // atType, read-only
	AttrPort Attr = 5 // atPort
)

// Dirent is one directory entry produced by readdir. Offset is the cursor
// to pass back to continue after this entry.
type Dirent struct {
	Name   string
	Ino    uint32
	Type   ObjectType
	Offset int64
}
