package measure

// Capacity is the number of beat intervals held between reports.
const Capacity = 8

// TickShift converts sensor ticks (32768 Hz) to 1/1024 s units.
const TickShift = 5

// Ring is a fixed-capacity queue of beat intervals. When full, Push
// overwrites the oldest interval.
type Ring struct {
	buf   [Capacity]uint16
	start int
	count int
}

// Push appends v, evicting the oldest value if the ring is full.
func (r *Ring) Push(v uint16) {
	r.buf[(r.start+r.count)%Capacity] = v
	if r.count < Capacity {
		r.count++
		return
	}
	r.start = (r.start + 1) % Capacity
}

// Len returns the number of queued intervals.
func (r *Ring) Len() int {
	return r.count
}

// Drain appends every queued interval to out, oldest first, empties the
// ring and returns the extended slice with the sum of the drained values.
func (r *Ring) Drain(out []uint16) ([]uint16, uint32) {
	var sum uint32
	for r.count > 0 {
		v := r.buf[r.start]
		sum += uint32(v)
		out = append(out, v)
		r.start = (r.start + 1) % Capacity
		r.count--
	}
	return out, sum
}

// Reset discards all queued intervals.
func (r *Ring) Reset() {
	r.start = 0
	r.count = 0
}
