package codec

import (
	"strings"

	"github.com/jhump/protoreflect/v2/protobuilder"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	// FilePath is the path of the generated .proto file.
	FilePath = "normcache/v1/record.proto"
	// Package is the protobuf package of the record messages.
	Package = "normcache.v1"
)

// buildFile describes records as protobuf messages:
//
//	Value     oneof kind { null_value, bool_value, int_value, float_value,
//	          string_value, reference, list_value, object_value }
//	ValueList repeated Value
//	Entry     key, value
//	Object    repeated Entry
//	Record    key, repeated Entry
func buildFile() (protoreflect.FileDescriptor, error) {
	fb := protobuilder.NewFile(FilePath)
	fb.SetPackageName(Package)
	fb.SetSyntax(protoreflect.Proto3)
	fb.SetComments(comment("Wire format of normalized cache records."))

	value := protobuilder.NewMessage("Value")
	value.SetComments(comment("A field value. Exactly one of kind is set."))
	list := protobuilder.NewMessage("ValueList")
	entry := protobuilder.NewMessage("Entry")
	object := protobuilder.NewMessage("Object")
	object.SetComments(comment("An embedded object. Entries are sorted by key."))
	rec := protobuilder.NewMessage("Record")

	kind := protobuilder.NewOneof("kind")
	value.AddOneOf(kind)
	choices := []*protobuilder.FieldBuilder{
		protobuilder.NewField("null_value", protobuilder.FieldTypeScalar(protoreflect.BoolKind)),
		protobuilder.NewField("bool_value", protobuilder.FieldTypeScalar(protoreflect.BoolKind)),
		protobuilder.NewField("int_value", protobuilder.FieldTypeScalar(protoreflect.Sint64Kind)),
		protobuilder.NewField("float_value", protobuilder.FieldTypeScalar(protoreflect.DoubleKind)),
		protobuilder.NewField("string_value", protobuilder.FieldTypeScalar(protoreflect.StringKind)),
		protobuilder.NewField("reference", protobuilder.FieldTypeScalar(protoreflect.StringKind)),
		protobuilder.NewField("list_value", protobuilder.FieldTypeMessage(list)),
		protobuilder.NewField("object_value", protobuilder.FieldTypeMessage(object)),
	}
	for i, f := range choices {
		f.SetNumber(protoreflect.FieldNumber(i + 1))
		kind.AddChoice(f)
	}

	list.AddField(field("values", 1, protobuilder.FieldTypeMessage(value), true))

	entry.AddField(field("key", 1, protobuilder.FieldTypeScalar(protoreflect.StringKind), false))
	entry.AddField(field("value", 2, protobuilder.FieldTypeMessage(value), false))

	object.AddField(field("entries", 1, protobuilder.FieldTypeMessage(entry), true))

	rec.AddField(field("key", 1, protobuilder.FieldTypeScalar(protoreflect.StringKind), false))
	rec.AddField(field("fields", 2, protobuilder.FieldTypeMessage(entry), true))

	for _, mb := range []*protobuilder.MessageBuilder{rec, entry, value, list, object} {
		fb.AddMessage(mb)
	}
	return fb.Build()
}

func field(name protoreflect.Name, number protoreflect.FieldNumber, t *protobuilder.FieldType, repeated bool) *protobuilder.FieldBuilder {
	fb := protobuilder.NewField(name, t)
	fb.SetNumber(number)
	if repeated {
		fb.SetRepeated()
	}
	return fb
}

func comment(desc string) protobuilder.Comments {
	if desc == "" {
		return protobuilder.Comments{}
	}
	lines := strings.Split(desc, "\n")
	for i, line := range lines {
		lines[i] = " " + line
	}
	return protobuilder.Comments{LeadingComment: strings.Join(lines, "\n") + "\n"}
}
