// Package codec encodes records as protobuf messages.
//
// The message types are built at runtime with protobuilder and filled through
// dynamicpb, so records never depend on generated code. Encoding is
// deterministic: object entries are written in key order, and equal records
// encode to equal bytes.
package codec

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/jhump/protoreflect/v2/protoprint"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	record "github.com/hanpama/normcache/internal/record"
)

// Codec marshals records. It is safe for concurrent use.
type Codec struct {
	file protoreflect.FileDescriptor

	record protoreflect.MessageDescriptor
	entry  protoreflect.MessageDescriptor
	value  protoreflect.MessageDescriptor
	list   protoreflect.MessageDescriptor
	object protoreflect.MessageDescriptor

	kind protoreflect.OneofDescriptor
}

var defaultCodec = sync.OnceValues(New)

// Default returns a shared Codec.
func Default() (*Codec, error) { return defaultCodec() }

// New builds the record schema.
func New() (*Codec, error) {
	fd, err := buildFile()
	if err != nil {
		return nil, fmt.Errorf("build record schema: %w", err)
	}
	msgs := fd.Messages()
	c := &Codec{
		file:   fd,
		record: msgs.ByName("Record"),
		entry:  msgs.ByName("Entry"),
		value:  msgs.ByName("Value"),
		list:   msgs.ByName("ValueList"),
		object: msgs.ByName("Object"),
	}
	c.kind = c.value.Oneofs().ByName("kind")
	return c, nil
}

// File returns the descriptor of the record schema.
func (c *Codec) File() protoreflect.FileDescriptor { return c.file }

// Render writes the record schema as .proto source.
func (c *Codec) Render(w io.Writer) error {
	pp := protoprint.Printer{}
	return pp.PrintProtoFile(c.file, w)
}

// Marshal encodes r.
func (c *Codec) Marshal(r *record.Record) ([]byte, error) {
	msg := dynamicpb.NewMessage(c.record)
	fields := c.record.Fields()
	msg.Set(fields.ByName("key"), protoreflect.ValueOfString(r.Key))
	if err := c.putEntries(msg.Mutable(fields.ByName("fields")).List(), r.Fields); err != nil {
		return nil, fmt.Errorf("record %q: %w", r.Key, err)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

// Unmarshal decodes a record encoded by Marshal.
func (c *Codec) Unmarshal(data []byte) (*record.Record, error) {
	msg := dynamicpb.NewMessage(c.record)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	fields := c.record.Fields()
	key := msg.Get(fields.ByName("key")).String()
	obj, err := c.getEntries(msg.Get(fields.ByName("fields")).List())
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", key, err)
	}
	return record.New(key, obj), nil
}

func (c *Codec) putEntries(list protoreflect.List, obj record.Object) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ef := c.entry.Fields()
	for _, k := range keys {
		v, err := c.encodeValue(obj[k])
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		e := dynamicpb.NewMessage(c.entry)
		e.Set(ef.ByName("key"), protoreflect.ValueOfString(k))
		e.Set(ef.ByName("value"), protoreflect.ValueOfMessage(v))
		list.Append(protoreflect.ValueOfMessage(e))
	}
	return nil
}

func (c *Codec) getEntries(list protoreflect.List) (record.Object, error) {
	ef := c.entry.Fields()
	out := make(record.Object, list.Len())
	for i := 0; i < list.Len(); i++ {
		e := list.Get(i).Message()
		k := e.Get(ef.ByName("key")).String()
		v, err := c.decodeValue(e.Get(ef.ByName("value")).Message())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (c *Codec) encodeValue(v record.Value) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(c.value)
	vf := c.value.Fields()
	switch tv := v.(type) {
	case nil, record.Null:
		msg.Set(vf.ByName("null_value"), protoreflect.ValueOfBool(true))
	case record.Bool:
		msg.Set(vf.ByName("bool_value"), protoreflect.ValueOfBool(bool(tv)))
	case record.Int:
		msg.Set(vf.ByName("int_value"), protoreflect.ValueOfInt64(int64(tv)))
	case record.Float:
		msg.Set(vf.ByName("float_value"), protoreflect.ValueOfFloat64(float64(tv)))
	case record.String:
		msg.Set(vf.ByName("string_value"), protoreflect.ValueOfString(string(tv)))
	case record.Reference:
		msg.Set(vf.ByName("reference"), protoreflect.ValueOfString(string(tv)))
	case record.List:
		lm := dynamicpb.NewMessage(c.list)
		values := lm.Mutable(c.list.Fields().ByName("values")).List()
		for i, item := range tv {
			im, err := c.encodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			values.Append(protoreflect.ValueOfMessage(im))
		}
		msg.Set(vf.ByName("list_value"), protoreflect.ValueOfMessage(lm))
	case record.Object:
		om := dynamicpb.NewMessage(c.object)
		if err := c.putEntries(om.Mutable(c.object.Fields().ByName("entries")).List(), tv); err != nil {
			return nil, err
		}
		msg.Set(vf.ByName("object_value"), protoreflect.ValueOfMessage(om))
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
	return msg, nil
}

func (c *Codec) decodeValue(msg protoreflect.Message) (record.Value, error) {
	fd := msg.WhichOneof(c.kind)
	if fd == nil {
		return nil, fmt.Errorf("value has no kind")
	}
	v := msg.Get(fd)
	switch fd.Name() {
	case "null_value":
		return record.Null{}, nil
	case "bool_value":
		return record.Bool(v.Bool()), nil
	case "int_value":
		return record.Int(v.Int()), nil
	case "float_value":
		return record.Float(v.Float()), nil
	case "string_value":
		return record.String(v.String()), nil
	case "reference":
		return record.Reference(v.String()), nil
	case "list_value":
		items := v.Message().Get(c.list.Fields().ByName("values")).List()
		out := make(record.List, items.Len())
		for i := 0; i < items.Len(); i++ {
			item, err := c.decodeValue(items.Get(i).Message())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = item
		}
		return out, nil
	case "object_value":
		obj, err := c.getEntries(v.Message().Get(c.object.Fields().ByName("entries")).List())
		if err != nil {
			return nil, err
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unknown value kind %s", fd.Name())
	}
}
