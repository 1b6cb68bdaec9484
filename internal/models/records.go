package models

// Record is a typed domain payload carried in SyncableEntity.Fields.
type Record interface {
	EntityType() EntityType
	// Scope returns the patient id the record belongs to; it is the pull scope.
	Scope() string
}

// InsuranceCard is a patient's health insurance card.
type InsuranceCard struct {
	PatientID  string `json:"patient_id" validate:"required"`
	Insurer    string `json:"insurer" validate:"required,max=120"`
	CardNumber string `json:"card_number" validate:"required,alphanum,min=4,max=32"`
	HolderName string `json:"holder_name" validate:"required,max=120"`
	ValidFrom  string `json:"valid_from" validate:"required,datetime=2006-01-02"`
	ValidTo    string `json:"valid_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

func (*InsuranceCard) EntityType() EntityType { return EntityInsuranceCard }
func (r *InsuranceCard) Scope() string        { return r.PatientID }

// Invoice is a billing document issued to a patient.
type Invoice struct {
	PatientID   string `json:"patient_id" validate:"required"`
	Number      string `json:"number" validate:"required,max=40"`
	AmountCents int64  `json:"amount_cents" validate:"gte=0"`
	Currency    string `json:"currency" validate:"required,iso4217"`
	IssuedOn    string `json:"issued_on" validate:"required,datetime=2006-01-02"`
	Status      string `json:"status" validate:"required,oneof=draft issued paid void"`
}

func (*Invoice) EntityType() EntityType { return EntityInvoice }
func (r *Invoice) Scope() string        { return r.PatientID }

// Payment settles all or part of an invoice.
type Payment struct {
	PatientID     string `json:"patient_id" validate:"required"`
	InvoiceNumber string `json:"invoice_number" validate:"required,max=40"`
	AmountCents   int64  `json:"amount_cents" validate:"gt=0"`
	Method        string `json:"method" validate:"required,oneof=cash card transfer insurance"`
	PaidOn        string `json:"paid_on" validate:"required,datetime=2006-01-02"`
}

func (*Payment) EntityType() EntityType { return EntityPayment }
func (r *Payment) Scope() string        { return r.PatientID }

// DischargePlan describes where and when a patient leaves care.
type DischargePlan struct {
	PatientID   string `json:"patient_id" validate:"required"`
	PlannedDate string `json:"planned_date" validate:"required,datetime=2006-01-02"`
	Destination string `json:"destination" validate:"required,oneof=home rehab nursing_home transfer"`
	Notes       string `json:"notes,omitempty" validate:"max=4000"`
}

func (*DischargePlan) EntityType() EntityType { return EntityDischargePlan }
func (r *DischargePlan) Scope() string        { return r.PatientID }

// DischargeSummary is the signed clinical summary at discharge.
type DischargeSummary struct {
	PatientID string `json:"patient_id" validate:"required"`
	Diagnosis string `json:"diagnosis" validate:"required,max=400"`
	Summary   string `json:"summary" validate:"required"`
	SignedBy  string `json:"signed_by,omitempty" validate:"required_with=SignedAt"`
	SignedAt  string `json:"signed_at,omitempty" validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
}

func (*DischargeSummary) EntityType() EntityType { return EntityDischargeSummary }
func (r *DischargeSummary) Scope() string        { return r.PatientID }
