package broker

import "errors"

// ErrContractViolation marks a protocol violation that spec.md §7
// classifies as fatal to the broker: a client returning more pages than
// it holds, or a non-bidi client sending SHARE. mbserver.c responds to
// the same condition with exit(10); HandleMessage instead returns an
// error wrapping this sentinel so its caller (internal/transport's
// connection handler, which logs it with glog.Fatalf) decides how to
// exit (and so tests can observe the condition without killing the
// test binary).
var ErrContractViolation = errors.New("broker: client contract violation")
