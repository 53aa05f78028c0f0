package key

import (
	"encoding"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

func textMarshalBson(val encoding.TextMarshaler) (bsontype.Type, []byte, error) {
	textBytes, err := val.MarshalText()
	if err != nil {
		return 0, nil, err
	}

	return bson.MarshalValue(string(textBytes))
}

func textUnmarshalBson(val encoding.TextUnmarshaler, b bsontype.Type, bytes []byte) error {
	var s = new(string)

	if err := bson.UnmarshalValue(b, bytes, s); err != nil {
		return err
	}

	return val.UnmarshalText([]byte(*s))
}

func (i Identifier) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return textMarshalBson(i)
}

func (i *Identifier) UnmarshalBSONValue(b bsontype.Type, bytes []byte) error {
	return textUnmarshalBson(i, b, bytes)
}

func (e ExchangePublic) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return textMarshalBson(e)
}

func (e *ExchangePublic) UnmarshalBSONValue(b bsontype.Type, bytes []byte) error {
	return textUnmarshalBson(e, b, bytes)
}
