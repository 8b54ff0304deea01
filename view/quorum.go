package view

// Quorum is the vote threshold of a view. A value is decided once strictly
// more than Size() matching votes have been observed.
type Quorum int

// NewByzantineQuorumOf returns floor((n+f)/2).
func NewByzantineQuorumOf(n, f int) Quorum {
	return Quorum((n + f) / 2)
}

// NewCrashQuorumOf returns floor(n/2).
func NewCrashQuorumOf(n int) Quorum {
	return Quorum(n / 2)
}

func NewQuorumOf(n, f int, bft bool) Quorum {
	if bft {
		return NewByzantineQuorumOf(n, f)
	}
	return NewCrashQuorumOf(n)
}

func (q Quorum) Size() int {
	return int(q)
}

// Reached reports whether votes exceeds the quorum.
func (q Quorum) Reached(votes int) bool {
	return votes > int(q)
}

// CertificateSize is the number of distinct valid proofs needed to certify a
// decision in a view tolerating f faults.
func CertificateSize(f int) int {
	return 2*f + 1
}
