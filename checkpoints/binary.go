package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/avallone/go-cifar/layers"
)

// Binary checkpoint wire format, encoded with protobuf wire primitives.
//
//	field 1: bytes   model spec, JSON-encoded
//	field 2: message weight tensor, repeated
//	field 3: message training state
//	field 4: message metadata
//	field 5: message state buffer, repeated
//
// Weight tensor: 1 name (string), 2 shape (packed varint), 3 data (packed
// fixed64 doubles). State buffer: 1 name, 2 data. Training state: 1 epoch
// (varint), 2 learning rate (fixed64), 3 best accuracy (fixed64). Metadata:
// 1 version, 2 framework, 3 created-at unix nanos (varint), 4 description.

const (
	fieldModelSpec     = 1
	fieldWeight        = 2
	fieldTrainingState = 3
	fieldMetadata      = 4
	fieldState         = 5
)

func marshalBinary(checkpoint *Checkpoint) ([]byte, error) {
	specJSON, err := json.Marshal(checkpoint.ModelSpec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %v", err)
	}

	var buf []byte
	buf = protowire.AppendTag(buf, fieldModelSpec, protowire.BytesType)
	buf = protowire.AppendBytes(buf, specJSON)

	for _, w := range checkpoint.Weights {
		buf = protowire.AppendTag(buf, fieldWeight, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalWeight(&w))
	}

	buf = protowire.AppendTag(buf, fieldTrainingState, protowire.BytesType)
	buf = protowire.AppendBytes(buf, marshalTrainingState(&checkpoint.TrainingState))

	buf = protowire.AppendTag(buf, fieldMetadata, protowire.BytesType)
	buf = protowire.AppendBytes(buf, marshalMetadata(&checkpoint.Metadata))

	for _, s := range checkpoint.States {
		buf = protowire.AppendTag(buf, fieldState, protowire.BytesType)
		buf = protowire.AppendBytes(buf, marshalState(&s))
	}

	return buf, nil
}

func marshalWeight(w *WeightTensor) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, w.Name)

	var shapeBuf []byte
	for _, dim := range w.Shape {
		shapeBuf = protowire.AppendVarint(shapeBuf, uint64(dim))
	}
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, shapeBuf)

	dataBuf := make([]byte, 0, 8*len(w.Data))
	for _, v := range w.Data {
		dataBuf = protowire.AppendFixed64(dataBuf, math.Float64bits(v))
	}
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, dataBuf)

	return buf
}

func marshalState(s *StateBuffer) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, s.Name)

	dataBuf := make([]byte, 0, 8*len(s.Data))
	for _, v := range s.Data {
		dataBuf = protowire.AppendFixed64(dataBuf, math.Float64bits(v))
	}
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendBytes(buf, dataBuf)

	return buf
}

func marshalTrainingState(ts *TrainingState) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(ts.Epoch))
	buf = protowire.AppendTag(buf, 2, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(ts.LearningRate))
	buf = protowire.AppendTag(buf, 3, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(ts.BestAccuracy))
	return buf
}

func marshalMetadata(md *CheckpointMetadata) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, md.Version)
	buf = protowire.AppendTag(buf, 2, protowire.BytesType)
	buf = protowire.AppendString(buf, md.Framework)
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(md.CreatedAt.UnixNano()))
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendString(buf, md.Description)
	return buf
}

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("corrupt checkpoint: bad tag")
		}
		data = data[n:]

		if typ != protowire.BytesType {
			return nil, fmt.Errorf("corrupt checkpoint: field %d has unexpected wire type %d", num, typ)
		}
		field, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("corrupt checkpoint: bad field %d", num)
		}
		data = data[n:]

		switch num {
		case fieldModelSpec:
			spec := &layers.ModelSpec{}
			if err := json.Unmarshal(field, spec); err != nil {
				return nil, fmt.Errorf("failed to decode model spec: %v", err)
			}
			checkpoint.ModelSpec = spec
		case fieldWeight:
			w, err := unmarshalWeight(field)
			if err != nil {
				return nil, err
			}
			checkpoint.Weights = append(checkpoint.Weights, *w)
		case fieldTrainingState:
			ts, err := unmarshalTrainingState(field)
			if err != nil {
				return nil, err
			}
			checkpoint.TrainingState = *ts
		case fieldMetadata:
			md, err := unmarshalMetadata(field)
			if err != nil {
				return nil, err
			}
			checkpoint.Metadata = *md
		case fieldState:
			s, err := unmarshalState(field)
			if err != nil {
				return nil, err
			}
			checkpoint.States = append(checkpoint.States, *s)
		}
	}

	if checkpoint.ModelSpec == nil {
		return nil, fmt.Errorf("corrupt checkpoint: missing model spec")
	}
	return checkpoint, nil
}

func unmarshalWeight(data []byte) (*WeightTensor, error) {
	w := &WeightTensor{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return nil, fmt.Errorf("corrupt weight tensor")
		}
		data = data[n:]
		field, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("corrupt weight tensor")
		}
		data = data[n:]

		switch num {
		case 1:
			w.Name = string(field)
		case 2:
			for len(field) > 0 {
				dim, n := protowire.ConsumeVarint(field)
				if n < 0 {
					return nil, fmt.Errorf("corrupt weight shape")
				}
				field = field[n:]
				w.Shape = append(w.Shape, int(dim))
			}
		case 3:
			if len(field)%8 != 0 {
				return nil, fmt.Errorf("corrupt weight data: %d bytes", len(field))
			}
			w.Data = make([]float64, 0, len(field)/8)
			for len(field) > 0 {
				bits, n := protowire.ConsumeFixed64(field)
				if n < 0 {
					return nil, fmt.Errorf("corrupt weight data")
				}
				field = field[n:]
				w.Data = append(w.Data, math.Float64frombits(bits))
			}
		}
	}
	return w, nil
}

func unmarshalState(data []byte) (*StateBuffer, error) {
	s := &StateBuffer{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 || typ != protowire.BytesType {
			return nil, fmt.Errorf("corrupt state buffer")
		}
		data = data[n:]
		field, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("corrupt state buffer")
		}
		data = data[n:]

		switch num {
		case 1:
			s.Name = string(field)
		case 2:
			if len(field)%8 != 0 {
				return nil, fmt.Errorf("corrupt state data: %d bytes", len(field))
			}
			s.Data = make([]float64, 0, len(field)/8)
			for len(field) > 0 {
				bits, n := protowire.ConsumeFixed64(field)
				if n < 0 {
					return nil, fmt.Errorf("corrupt state data")
				}
				field = field[n:]
				s.Data = append(s.Data, math.Float64frombits(bits))
			}
		}
	}
	return s, nil
}

func unmarshalTrainingState(data []byte) (*TrainingState, error) {
	ts := &TrainingState{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("corrupt training state")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("corrupt training state")
			}
			data = data[n:]
			ts.Epoch = int(v)
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("corrupt training state")
			}
			data = data[n:]
			ts.LearningRate = math.Float64frombits(v)
		case num == 3 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return nil, fmt.Errorf("corrupt training state")
			}
			data = data[n:]
			ts.BestAccuracy = math.Float64frombits(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("corrupt training state")
			}
			data = data[n:]
		}
	}
	return ts, nil
}

func unmarshalMetadata(data []byte) (*CheckpointMetadata, error) {
	md := &CheckpointMetadata{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("corrupt metadata")
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("corrupt metadata")
			}
			data = data[n:]
			md.Version = string(v)
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("corrupt metadata")
			}
			data = data[n:]
			md.Framework = string(v)
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("corrupt metadata")
			}
			data = data[n:]
			md.CreatedAt = time.Unix(0, int64(v)).UTC()
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("corrupt metadata")
			}
			data = data[n:]
			md.Description = string(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("corrupt metadata")
			}
			data = data[n:]
		}
	}
	return md, nil
}
