package models

import "errors"

type SampleStatus string

const (
	SampleStatusScheduled   SampleStatus = "SCHEDULED"
	SampleStatusExpected    SampleStatus = "EXPECTED"
	SampleStatusReceived    SampleStatus = "RECEIVED"
	SampleStatusAwaiting    SampleStatus = "AWAITING"
	SampleStatusApproved    SampleStatus = "APPROVED"
	SampleStatusPublishing  SampleStatus = "PUBLISHING"
	SampleStatusPublished   SampleStatus = "PUBLISHED"
	SampleStatusInvalidated SampleStatus = "INVALIDATED"
	SampleStatusCancelled   SampleStatus = "CANCELLED"
	SampleStatusRejected    SampleStatus = "REJECTED"
)

// IsTerminal reports whether no further workflow transitions are allowed,
// other than the single corrective copy an INVALIDATED/REJECTED sample may spawn.
func (t SampleStatus) IsTerminal() bool {
	switch t {
	case SampleStatusInvalidated, SampleStatusCancelled, SampleStatusRejected:
		return true
	}
	return false
}

type ResultStatus string

const (
	ResultStatusPending   ResultStatus = "PENDING"
	ResultStatusResulted  ResultStatus = "RESULTED"
	ResultStatusVerified  ResultStatus = "VERIFIED"
	ResultStatusRetracted ResultStatus = "RETRACTED"
	ResultStatusCancelled ResultStatus = "CANCELLED"
)

type SamplePriority int

const (
	SamplePriorityNormal SamplePriority = 0
	SamplePriorityMedium SamplePriority = 1
	SamplePriorityHigh   SamplePriority = 2
)

func (t SamplePriority) Valid() bool {
	return t >= SamplePriorityNormal && t <= SamplePriorityHigh
}

type RelationshipType string

const (
	RelationshipTypeSplit    RelationshipType = "SPLIT"
	RelationshipTypeRetest   RelationshipType = "RETEST"
	RelationshipTypeReferral RelationshipType = "REFERRAL"
	RelationshipTypeInvalid  RelationshipType = "INVALIDATED_COPY"
)

// ParseRelationshipType validates a lineage relationship arriving from client
// input. INVALIDATED_COPY is workflow-assigned only and is rejected here.
func ParseRelationshipType(str string) (RelationshipType, error) {
	relationshipTypes := map[string]RelationshipType{
		"SPLIT":    RelationshipTypeSplit,
		"RETEST":   RelationshipTypeRetest,
		"REFERRAL": RelationshipTypeReferral,
	}
	relationship, ok := relationshipTypes[str]
	if !ok {
		return "", errors.New("invalid relationship type")
	}
	return relationship, nil
}

type TransactionKind string

const (
	TransactionKindCash         TransactionKind = "CASH"
	TransactionKindCard         TransactionKind = "CARD"
	TransactionKindTransfer     TransactionKind = "TRANSFER"
	TransactionKindAutoDiscount TransactionKind = "AUTO_DISCOUNT"
	TransactionKindVoucher      TransactionKind = "VOUCHER_DISCOUNT"
	TransactionKindRefund       TransactionKind = "REFUND"
)

// ParseTransactionKind validates a payment kind arriving from client input.
func ParseTransactionKind(str string) (TransactionKind, error) {
	transactionKinds := map[string]TransactionKind{
		"CASH":             TransactionKindCash,
		"CARD":             TransactionKindCard,
		"TRANSFER":         TransactionKindTransfer,
		"AUTO_DISCOUNT":    TransactionKindAutoDiscount,
		"VOUCHER_DISCOUNT": TransactionKindVoucher,
		"REFUND":           TransactionKindRefund,
	}
	kind, ok := transactionKinds[str]
	if !ok {
		return "", errors.New("invalid transaction kind")
	}
	return kind, nil
}

type DiscountType string

const (
	DiscountTypePercentage DiscountType = "PERCENTAGE"
	DiscountTypeAmount     DiscountType = "AMOUNT"
)

type DiscountCategory string

const (
	DiscountCategorySale    DiscountCategory = "SALE"
	DiscountCategoryVoucher DiscountCategory = "VOUCHER"
)

type CriteriaOperator string

const (
	CriteriaOperatorEq  CriteriaOperator = "="
	CriteriaOperatorNeq CriteriaOperator = "!="
	CriteriaOperatorGt  CriteriaOperator = ">"
	CriteriaOperatorGte CriteriaOperator = ">="
	CriteriaOperatorLt  CriteriaOperator = "<"
	CriteriaOperatorLte CriteriaOperator = "<="
)

type ReflexExecutionState string

const (
	ReflexExecutionStateExecuted ReflexExecutionState = "EXECUTED"
)

type UserRole string

const (
	UserRoleAdmin      UserRole = "Admin"
	UserRoleManager    UserRole = "Manager"
	UserRoleScientist  UserRole = "Scientist"
	UserRoleTechnician UserRole = "Technician"
	UserRoleBilling    UserRole = "Billing"
)
