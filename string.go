package pxmem

// String is a mutable byte string stored through an Adapter.
type String struct {
	buf *Array[byte]
}

func NewString(a Allocator, s string) (*String, error) {
	buf, err := NewArray[byte](a)
	if err != nil {
		return nil, err
	}
	str := &String{buf: buf}
	if err := str.Append(s); err != nil {
		return nil, err
	}
	return str, nil
}

func (s *String) Append(v string) error {
	if len(v) == 0 {
		return nil
	}
	n := s.buf.Len()
	if err := s.buf.Resize(n + len(v)); err != nil {
		return err
	}
	copy(s.buf.Slice()[n:], v)
	return nil
}

func (s *String) AppendByte(b byte) error {
	return s.buf.Push(b)
}

func (s *String) Len() int { return s.buf.Len() }

// Bytes returns a view of the contents, valid until the next modification.
func (s *String) Bytes() []byte { return s.buf.Slice() }

// String copies the contents onto the Go heap.
func (s *String) String() string { return string(s.buf.Slice()) }

func (s *String) Reset() { s.buf.Clear() }

func (s *String) Release() { s.buf.Release() }
