package booking

import (
	"crypto/rand"
	"fmt"
)

// Reference charset drops 0/O/1/I/L to keep codes readable over the phone.
const refCharset = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const refLength = 8

// NewReference returns a human-readable booking reference like
// "PB-7K3QX2WD". Uniqueness is checked against the store by the caller;
// the space (31^8) makes collisions rare but not impossible.
func NewReference() string {
	var b [refLength]byte
	_, _ = rand.Read(b[:])
	for i := range b {
		b[i] = refCharset[int(b[i])%len(refCharset)]
	}
	return fmt.Sprintf("PB-%s", b[:])
}
