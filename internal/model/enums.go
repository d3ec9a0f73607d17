package model

import "fmt"

// EnergyType is the production technology of a producer.
type EnergyType string

const (
	EnergyFossil EnergyType = "Fossile"
	EnergyWind   EnergyType = "Eolico"
	EnergySolar  EnergyType = "Fotovoltaico"
)

// ParseEnergyType validates an energy type string.
func ParseEnergyType(s string) (EnergyType, error) {
	switch t := EnergyType(s); t {
	case EnergyFossil, EnergyWind, EnergySolar:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown energy type %q (expected Fossile, Eolico or Fotovoltaico)", ErrInvalidRequest, s)
	}
}

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusCancelled ReservationStatus = "cancelled"
	StatusConfirmed ReservationStatus = "confirmed"
)

// Valid reports whether s is a known status.
func (s ReservationStatus) Valid() bool {
	switch s {
	case StatusReserved, StatusCancelled, StatusConfirmed:
		return true
	}
	return false
}

// Role gates which operations a principal may call.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
	RoleAdmin    Role = "admin"
)

// ParseRole validates a role string.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleProducer, RoleConsumer, RoleAdmin:
		return r, true
	}
	return "", false
}

// LedgerReason tags why a balance moved.
type LedgerReason string

const (
	ReasonCharge        LedgerReason = "charge"
	ReasonAdjust        LedgerReason = "adjust"
	ReasonRefund        LedgerReason = "refund"
	ReasonProrataRefund LedgerReason = "prorata_refund"
)
