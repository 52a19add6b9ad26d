package orb

import "github.com/auriga-os/nucleus/corba"

// Shorthands for the system exceptions raised throughout the object plane.

func badInvOrder(minor uint32) *corba.SystemException {
	return corba.BAD_INV_ORDER(minor, corba.CompletionStatusNo)
}

func badParam(minor uint32) *corba.SystemException {
	return corba.BAD_PARAM(minor, corba.CompletionStatusNo)
}

func objAdapter(minor uint32) *corba.SystemException {
	return corba.OBJ_ADAPTER(minor, corba.CompletionStatusNo)
}

func objectNotExist(minor uint32) *corba.SystemException {
	return corba.OBJECT_NOT_EXIST(minor, corba.CompletionStatusNo)
}

func transientErr(minor uint32) *corba.SystemException {
	return corba.TRANSIENT(minor, corba.CompletionStatusNo)
}

func marshalErr(minor uint32) *corba.SystemException {
	return corba.MARSHAL(minor, corba.CompletionStatusNo)
}

func invObjref() *corba.SystemException {
	return corba.INV_OBJREF(0, corba.CompletionStatusNo)
}

func noPermission() *corba.SystemException {
	return corba.NO_PERMISSION(0, corba.CompletionStatusNo)
}

func cancelledErr() *corba.SystemException {
	return corba.TRANSIENT(corba.MinorCancelled, corba.CompletionStatusNo)
}

func toException(v interface{}) *corba.SystemException {
	return corba.ToSystemException(v)
}
