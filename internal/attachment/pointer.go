package attachment

import (
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the AttachmentPointer message.
const (
	fieldCDNID           protowire.Number = 1
	fieldContentType     protowire.Number = 2
	fieldKey             protowire.Number = 3
	fieldSize            protowire.Number = 4
	fieldThumbnail       protowire.Number = 5
	fieldDigest          protowire.Number = 6
	fieldFileName        protowire.Number = 7
	fieldFlags           protowire.Number = 8
	fieldWidth           protowire.Number = 9
	fieldHeight          protowire.Number = 10
	fieldCaption         protowire.Number = 11
	fieldCDNNumber       protowire.Number = 12
	fieldUploadTimestamp protowire.Number = 13
	fieldBlurHash        protowire.Number = 14
	fieldCDNKey          protowire.Number = 15

	flagVoiceMessage = 1
)

// Pointer is the decoded AttachmentPointer protobuf.
type Pointer struct {
	CDNID           uint64
	ContentType     string
	Key             []byte
	Size            uint32
	Thumbnail       []byte
	Digest          []byte
	FileName        string
	Flags           uint32
	Width           uint32
	Height          uint32
	Caption         string
	CDNNumber       uint32
	UploadTimestamp uint64
	BlurHash        string
	CDNKey          string
}

// UnmarshalPointer decodes an AttachmentPointer. Unknown fields are skipped.
func UnmarshalPointer(b []byte) (*Pointer, error) {
	p := &Pointer{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedProto, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldCDNID && typ == protowire.Fixed64Type:
			v, m := protowire.ConsumeFixed64(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: cdn id: %v", ErrMalformedProto, protowire.ParseError(m))
			}
			p.CDNID, n = v, m
		case typ == protowire.BytesType && isBytesField(num):
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedProto, num, protowire.ParseError(m))
			}
			p.setBytes(num, v)
			n = m
		case typ == protowire.VarintType && isVarintField(num):
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedProto, num, protowire.ParseError(m))
			}
			p.setVarint(num, v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedProto, num, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return p, nil
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldContentType, fieldKey, fieldThumbnail, fieldDigest, fieldFileName, fieldCaption, fieldBlurHash, fieldCDNKey:
		return true
	}
	return false
}

func isVarintField(num protowire.Number) bool {
	switch num {
	case fieldSize, fieldFlags, fieldWidth, fieldHeight, fieldCDNNumber, fieldUploadTimestamp:
		return true
	}
	return false
}

func (p *Pointer) setBytes(num protowire.Number, v []byte) {
	switch num {
	case fieldContentType:
		p.ContentType = string(v)
	case fieldKey:
		p.Key = append([]byte(nil), v...)
	case fieldThumbnail:
		p.Thumbnail = append([]byte(nil), v...)
	case fieldDigest:
		p.Digest = append([]byte(nil), v...)
	case fieldFileName:
		p.FileName = string(v)
	case fieldCaption:
		p.Caption = string(v)
	case fieldBlurHash:
		p.BlurHash = string(v)
	case fieldCDNKey:
		p.CDNKey = string(v)
	}
}

func (p *Pointer) setVarint(num protowire.Number, v uint64) {
	switch num {
	case fieldSize:
		p.Size = uint32(v)
	case fieldFlags:
		p.Flags = uint32(v)
	case fieldWidth:
		p.Width = uint32(v)
	case fieldHeight:
		p.Height = uint32(v)
	case fieldCDNNumber:
		p.CDNNumber = uint32(v)
	case fieldUploadTimestamp:
		p.UploadTimestamp = v
	}
}

// Marshal encodes the pointer. Zero-valued fields are omitted.
func (p *Pointer) Marshal() []byte {
	var b []byte
	if p.CDNID != 0 {
		b = protowire.AppendTag(b, fieldCDNID, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, p.CDNID)
	}
	b = appendString(b, fieldContentType, p.ContentType)
	b = appendBytes(b, fieldKey, p.Key)
	b = appendVarint(b, fieldSize, uint64(p.Size))
	b = appendBytes(b, fieldThumbnail, p.Thumbnail)
	b = appendBytes(b, fieldDigest, p.Digest)
	b = appendString(b, fieldFileName, p.FileName)
	b = appendVarint(b, fieldFlags, uint64(p.Flags))
	b = appendVarint(b, fieldWidth, uint64(p.Width))
	b = appendVarint(b, fieldHeight, uint64(p.Height))
	b = appendString(b, fieldCaption, p.Caption)
	b = appendVarint(b, fieldCDNNumber, uint64(p.CDNNumber))
	b = appendVarint(b, fieldUploadTimestamp, p.UploadTimestamp)
	b = appendString(b, fieldBlurHash, p.BlurHash)
	b = appendString(b, fieldCDNKey, p.CDNKey)
	return b
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Record builds an enqueued pointer record with a fresh identifier.
func (p *Pointer) Record() *Record {
	return &Record{
		ID:             uuid.NewString(),
		Kind:           KindPointer,
		ContentType:    p.ContentType,
		ByteCount:      p.Size,
		SourceFilename: p.FileName,
		Caption:        p.Caption,
		Width:          p.Width,
		Height:         p.Height,
		IsVoiceMessage: p.Flags&flagVoiceMessage != 0,
		BlurHash:       p.BlurHash,
		ServerID:       p.CDNID,
		CDNKey:         p.CDNKey,
		CDNNumber:      p.CDNNumber,
		Key:            p.Key,
		Digest:         p.Digest,
		State:          StateEnqueued,
	}
}

// PointerFromProto decodes wire bytes into an enqueued pointer record.
func PointerFromProto(b []byte) (*Record, error) {
	p, err := UnmarshalPointer(b)
	if err != nil {
		return nil, err
	}
	if p.CDNID == 0 && p.CDNKey == "" {
		return nil, fmt.Errorf("%w: neither cdn id nor cdn key set", ErrMalformedProto)
	}
	if len(p.Digest) == 0 {
		return nil, fmt.Errorf("%w: digest missing", ErrMalformedProto)
	}
	return p.Record(), nil
}
