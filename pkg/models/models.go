package models

import "time"

// Account is the billing record for one owner. Credits are stored in
// microcredits (1 credit = 1_000_000 microcredits) to keep ledger math
// integral.
type Account struct {
	Owner       string
	UsedCredits int64
	// MaxCredits is nil for unlimited accounts.
	MaxCredits *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Unlimited reports whether the account has no credit ceiling.
func (a *Account) Unlimited() bool {
	return a.MaxCredits == nil
}

// Available returns the remaining prepaid credit. Unlimited accounts
// report a negative sentinel and should be checked with Unlimited first.
func (a *Account) Available() int64 {
	if a.MaxCredits == nil {
		return -1
	}
	return *a.MaxCredits - a.UsedCredits
}

// InstanceStatus is the lifecycle state reported by the VM manager.
type InstanceStatus string

const (
	InstanceRunning InstanceStatus = "running"
	InstanceStopped InstanceStatus = "stopped"
	InstanceUnknown InstanceStatus = "unknown"
)

// Instance is the metering-side record for one externally managed VM.
// AccumulatedCharge only ever grows; StopTime is set at most once and
// switches billing from "project forward" to "charge through stop".
type Instance struct {
	ID    string
	Owner string
	// ResourceType is the instance type the hourly rate was derived from.
	ResourceType string
	// RatePerHour is microcredits per hour, fixed at creation.
	RatePerHour       int64
	AccumulatedCharge int64
	StartTime         time.Time
	StopTime          *time.Time
	Terminal          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Stopped reports whether a stop time has been recorded.
func (i *Instance) Stopped() bool {
	return i.StopTime != nil
}

// MarkStopped records the stop time once; later calls keep the first value.
func (i *Instance) MarkStopped(t time.Time) {
	if i.StopTime == nil {
		stopped := t
		i.StopTime = &stopped
	}
}

// BillableSeconds returns the seconds of runtime to bill through t. A
// stopped instance bills exactly through its stop time. Never negative.
func (i *Instance) BillableSeconds(t time.Time) int64 {
	end := t
	if i.StopTime != nil {
		end = *i.StopTime
	}
	secs := int64(end.Sub(i.StartTime) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// OwedThrough returns the still-unbilled amount for runtime through t.
// Never negative: accumulated charge may run ahead of elapsed time because
// of lookahead pre-charging.
func (i *Instance) OwedThrough(t time.Time) int64 {
	owed := i.BillableSeconds(t)*i.RatePerHour/3600 - i.AccumulatedCharge
	if owed < 0 {
		return 0
	}
	return owed
}
