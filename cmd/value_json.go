package cmd

import (
	"github.com/tidwall/sjson"

	"github.com/luma/aredis/protocol"
)

// ValueJSON renders v as {"type": <kind>, "value": <payload>}. Arrays nest,
// nulls become JSON null.
func ValueJSON(v protocol.Value) (string, error) {
	doc, err := sjson.Set("", "type", v.Kind.String())
	if err != nil {
		return "", err
	}

	switch {
	case v.IsNull():
		return sjson.SetRaw(doc, "value", "null")

	case v.Kind == protocol.KindInteger:
		return sjson.Set(doc, "value", v.Int)

	case v.Kind == protocol.KindArray:
		doc, err = sjson.SetRaw(doc, "value", "[]")
		if err != nil {
			return "", err
		}

		for _, e := range v.Elems {
			raw, err := ValueJSON(e)
			if err != nil {
				return "", err
			}

			if doc, err = sjson.SetRaw(doc, "value.-1", raw); err != nil {
				return "", err
			}
		}

		return doc, nil

	default:
		return sjson.Set(doc, "value", string(v.Bytes))
	}
}
