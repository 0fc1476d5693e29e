package peripheral

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/teslamotors/vehicle-opener/internal/log"
	"github.com/teslamotors/vehicle-opener/internal/retry"
)

// Advertiser keeps the opener discoverable. Failed starts are retried with exponential backoff;
// retries are timers that post back into the dispatch queue, so the loop never sleeps.
type Advertiser struct {
	stack  Stack
	advert Advert
	policy retry.Policy
	post   func(func())

	// Called on the loop when the retry policy is exhausted.
	exhausted func(err error, attempts int)

	// Called on the loop for every failed attempt.
	failed func(err error)

	active   bool
	attempt  int
	schedule backoff.BackOff
	retry    *time.Timer
}

func newAdvertiser(stack Stack, advert Advert, policy retry.Policy, post func(func())) *Advertiser {
	return &Advertiser{stack: stack, advert: advert, policy: policy, post: post}
}

// Active returns true if the stack is advertising.
func (a *Advertiser) Active() bool {
	return a.active
}

// Pending returns true if a retry is scheduled.
func (a *Advertiser) Pending() bool {
	return a.retry != nil
}

// Start begins advertising. It does nothing if advertising is active or a retry is already
// scheduled.
func (a *Advertiser) Start() {
	if a.active || a.retry != nil {
		return
	}
	a.attempt = 0
	a.schedule = a.policy.BackOff()
	a.try()
}

// Stopped records that the controller stopped advertising on its own, which it does when a
// central connects.
func (a *Advertiser) Stopped() {
	a.active = false
}

func (a *Advertiser) try() {
	err := a.stack.StartAdvertising(a.advert)
	if err == nil {
		if a.attempt > 0 {
			log.Info("Advertising started after %d retries", a.attempt)
		} else {
			log.Info("Advertising started")
		}
		a.active = true
		a.attempt = 0
		return
	}
	err = fmt.Errorf("start advertising: %w", err)
	log.Warning("%s", err)
	if a.failed != nil {
		a.failed(err)
	}
	delay := a.schedule.NextBackOff()
	if delay == backoff.Stop {
		attempts := a.attempt + 1
		a.attempt = 0
		if a.exhausted != nil {
			a.exhausted(err, attempts)
		}
		return
	}
	a.attempt++
	a.retry = time.AfterFunc(delay, func() {
		a.post(func() {
			a.retry = nil
			if !a.active {
				a.try()
			}
		})
	})
}

func (a *Advertiser) stop() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
}
