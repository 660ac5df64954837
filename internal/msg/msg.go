// Package msg is the request/response protocol spoken between filesystem
// servers and their clients.
package msg

import (
	"fmt"

	"github.com/S1riyS/jffs2-server/internal/models"
)

type Type uint32

const (
	TypeOpen Type = iota
	TypeClose
	TypeRead
	TypeWrite
	TypeTruncate
	TypeDevCtl
	TypeCreate
	TypeDestroy
	TypeSetAttr
	TypeGetAttr
	TypeLookup
	TypeLink
	TypeUnlink
	TypeReaddir
)

var typeNames = [...]string{
	TypeOpen:     "open",
	TypeClose:    "close",
	TypeRead:     "read",
	TypeWrite:    "write",
	TypeTruncate: "truncate",
	TypeDevCtl:   "devctl",
	TypeCreate:   "create",
	TypeDestroy:  "destroy",
	TypeSetAttr:  "setattr",
	TypeGetAttr:  "getattr",
	TypeLookup:   "lookup",
	TypeLink:     "link",
	TypeUnlink:   "unlink",
	TypeReaddir:  "readdir",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Input carries the request arguments. Which fields are meaningful depends
// on the message type:
//
//	open, close, destroy  Oid
//	read                  Oid, Offs, Len
//	write                 Oid, Offs, Data
//	truncate              Oid, Len
//	create                Oid (directory), Name, ObjType, Mode, Port
//	setattr, getattr      Oid, Attr, Value
//	lookup                Oid (starting directory), Name (path)
//	link                  Oid (directory), Name, Target
//	unlink                Oid (directory), Name
//	readdir               Oid, Offs (cursor), Len (buffer size)
type Input struct {
	Oid     models.Oid
	Offs    int64
	Len     uint64
	Name    string
	Target  models.Oid
	ObjType models.ObjectType
	Mode    uint32
	Port    uint32
	Attr    models.Attr
	Value   int64
	Data    []byte
}

// Output carries the result. Err is a negative errno on failure; on
// success it is zero or the byte count of read, write and readdir and the
// consumed length of lookup.
type Output struct {
	Err   int64
	Oid   models.Oid
	Value int64
	Data  []byte
}

type Msg struct {
	Type Type
	I    Input
	O    Output
}
