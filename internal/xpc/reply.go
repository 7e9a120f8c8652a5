package xpc

import (
	"errors"
	"fmt"
	"sort"
)

// HandleReplyErrors inspects a reply for either error convention launchd
// uses. A flat integer "error" is the sole error for the call. A keyed
// "errors" dictionary carries one code per target of a multi-target request
// and is a success when empty. Anything else is returned unchanged.
func HandleReplyErrors(reply *Object) (*Object, error) {
	dict, err := reply.Dictionary()
	if err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	defer dict.Close()

	rt := reply.Runtime()

	if o, ok := dict["error"]; ok {
		if code, err := Integer(o); err == nil {
			return nil, &ProtocolError{Code: int(code), Reason: rt.Strerror(int(code))}
		}
	}

	if o, ok := dict["errors"]; ok && o.Type() == TypeDictionary {
		errs, err := o.Dictionary()
		if err != nil {
			return nil, fmt.Errorf("failed to decode errors: %w", err)
		}
		defer errs.Close()
		if len(errs) == 0 {
			return reply, nil
		}

		targets := make([]string, 0, len(errs))
		for target := range errs {
			targets = append(targets, target)
		}
		sort.Strings(targets)

		perr := &ProtocolError{}
		for _, target := range targets {
			code, err := Integer(errs[target])
			if err != nil {
				return nil, fmt.Errorf("errors[%q]: %w", target, err)
			}
			perr.Targets = append(perr.Targets, TargetError{
				Target: target,
				Code:   int(code),
				Reason: rt.Strerror(int(code)),
			})
		}
		perr.Code = perr.Targets[0].Code
		perr.Reason = perr.Targets[0].Reason
		return nil, perr
	}

	return reply, nil
}

// ErrorCode extracts the daemon or system error code from err, if any.
func ErrorCode(err error) (int, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Code, true
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Code, true
	}
	return 0, false
}
