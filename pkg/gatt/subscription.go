package gatt

import (
	"errors"
	"fmt"
)

// Subscription is the value a peer writes to a Client Characteristic Configuration Descriptor.
type Subscription uint16

const (
	Unsubscribed       Subscription = 0x0000
	SubscribedNotify   Subscription = 0x0001
	SubscribedIndicate Subscription = 0x0002
	SubscribedBoth     Subscription = SubscribedNotify | SubscribedIndicate
)

var (
	ErrInvalidSubscription    = errors.New("gatt: invalid subscription value")
	ErrSubscriptionTransition = errors.New("gatt: subscription transition not allowed")
)

// ParseSubscription validates a raw CCCD value.
func ParseSubscription(value uint16) (Subscription, error) {
	if value > uint16(SubscribedBoth) {
		return Unsubscribed, fmt.Errorf("%w: 0x%04x", ErrInvalidSubscription, value)
	}
	return Subscription(value), nil
}

func (s Subscription) Notify() bool   { return s&SubscribedNotify != 0 }
func (s Subscription) Indicate() bool { return s&SubscribedIndicate != 0 }
func (s Subscription) Active() bool   { return s != Unsubscribed }

// Transition validates a change from s to next. A peer must unsubscribe before switching between
// notify, indicate and both; rewriting the current value is allowed.
func (s Subscription) Transition(next Subscription) error {
	if next > SubscribedBoth {
		return fmt.Errorf("%w: 0x%04x", ErrInvalidSubscription, uint16(next))
	}
	if s == next || s == Unsubscribed || next == Unsubscribed {
		return nil
	}
	return fmt.Errorf("%w: %s to %s", ErrSubscriptionTransition, s, next)
}

func (s Subscription) String() string {
	switch s {
	case Unsubscribed:
		return "none"
	case SubscribedNotify:
		return "notify"
	case SubscribedIndicate:
		return "indicate"
	case SubscribedBoth:
		return "notify+indicate"
	}
	return fmt.Sprintf("invalid(0x%04x)", uint16(s))
}
