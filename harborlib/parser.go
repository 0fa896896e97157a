package harborlib

// Parser is the reusable message-parser slot carried by a Conn so the
// layer above can keep parser state alive across requests on the same
// stream. The pool only stores it; it never invokes it.
type Parser interface {
	Reset()
}
