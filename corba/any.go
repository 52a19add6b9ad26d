package corba

// Any pairs a value with its TypeCode
type Any struct {
	tc    *TypeCode
	value interface{}
}

// NewAny creates an Any with an explicit TypeCode
func NewAny(tc *TypeCode, value interface{}) *Any {
	return &Any{tc: tc, value: value}
}

// TypeCode returns the TypeCode of the contained value
func (a *Any) TypeCode() *TypeCode {
	return a.tc
}

// Value returns the contained value
func (a *Any) Value() interface{} {
	return a.value
}
