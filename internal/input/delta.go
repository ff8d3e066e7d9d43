package input

import "poleposition/raceserver/internal/physics"

// DeltaSuppressor sits on the client and lets an input through only when it
// differs from the last one sent. Every frame let through gets the next
// sequence number.
type DeltaSuppressor struct {
	last     physics.Controls
	sent     bool
	sequence uint64
}

// Offer clamps c and reports whether it must be sent, with its sequence.
func (d *DeltaSuppressor) Offer(c physics.Controls) (physics.Controls, uint64, bool) {
	c = c.Clamped()
	if d.sent && c == d.last {
		return c, d.sequence, false
	}
	d.last = c
	d.sent = true
	d.sequence++
	return c, d.sequence, true
}

// Last is the most recently sent input.
func (d *DeltaSuppressor) Last() (physics.Controls, bool) { return d.last, d.sent }

// Reset forgets the last sent input so the next offer always goes out. The
// sequence keeps counting so the server's gate accepts it.
func (d *DeltaSuppressor) Reset() {
	d.last = physics.Controls{}
	d.sent = false
}
