package nvm

// MemDevice is a volatile Device, used in tests and when no store path is
// configured.
type MemDevice struct {
	words   []uint16
	enabled bool

	// Enables counts Enable calls.
	Enables int
}

// NewMemDevice creates an erased device of size words.
func NewMemDevice(size int) *MemDevice {
	w := make([]uint16, size)
	for i := range w {
		w[i] = Erased
	}
	return &MemDevice{words: w}
}

func (m *MemDevice) Enable() error {
	m.enabled = true
	m.Enables++
	return nil
}

func (m *MemDevice) Disable() error {
	m.enabled = false
	return nil
}

// Enabled reports whether the device is currently between Enable and Disable.
func (m *MemDevice) Enabled() bool {
	return m.enabled
}

func (m *MemDevice) ReadWords(offset int, buf []uint16) error {
	if !m.enabled {
		return ErrDisabled
	}
	if err := checkRange(offset, len(buf), len(m.words)); err != nil {
		return err
	}
	copy(buf, m.words[offset:])
	return nil
}

func (m *MemDevice) WriteWords(offset int, data []uint16) error {
	if !m.enabled {
		return ErrDisabled
	}
	if err := checkRange(offset, len(data), len(m.words)); err != nil {
		return err
	}
	copy(m.words[offset:], data)
	return nil
}

func (m *MemDevice) Size() int {
	return len(m.words)
}

// Word returns a raw word without the enable bracket, for inspection.
func (m *MemDevice) Word(offset int) uint16 {
	return m.words[offset]
}

// Corrupt overwrites a raw word without the enable bracket.
func (m *MemDevice) Corrupt(offset int, v uint16) {
	m.words[offset] = v
}

var _ Device = (*MemDevice)(nil)
