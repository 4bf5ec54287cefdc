package fabric

import (
	"github.com/drpcorg/fabric/schema"
)

// Object is a handle of a shared object. The handle itself is immutable;
// the state lives in the snapshots of its branch.
type Object struct {
	id     schema.ObjectID
	uri    schema.URIHash
	class  *schema.Class
	branch *Branch
	zero   []any
}

func newObject(b *Branch, id schema.ObjectID, class *schema.Class) *Object {
	return &Object{
		id:     id,
		uri:    id.URI(),
		class:  class,
		branch: b,
		zero:   class.Zero(),
	}
}

func (o *Object) ID() schema.ObjectID {
	return o.id
}

func (o *Object) URI() schema.URIHash {
	return o.uri
}

func (o *Object) Class() *schema.Class {
	return o.class
}

func (o *Object) Branch() *Branch {
	return o.branch
}

func (o *Object) String() string {
	return o.class.Name + ":" + o.id.String()
}
