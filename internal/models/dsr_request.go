package models

import "time"

type DSRType string

const (
	DSRAccess          DSRType = "ACCESS"
	DSRRectification   DSRType = "RECTIFICATION"
	DSRErasure         DSRType = "ERASURE"
	DSRPortability     DSRType = "PORTABILITY"
	DSRRestriction     DSRType = "RESTRICTION"
	DSRObjection       DSRType = "OBJECTION"
	DSRWithdrawConsent DSRType = "WITHDRAW_CONSENT"
)

var DSRTypes = []DSRType{
	DSRAccess, DSRRectification, DSRErasure, DSRPortability,
	DSRRestriction, DSRObjection, DSRWithdrawConsent,
}

func (t DSRType) Valid() bool {
	for _, v := range DSRTypes {
		if v == t {
			return true
		}
	}
	return false
}

type DSRStatus string

const (
	DSRPending    DSRStatus = "PENDING"
	DSRInProgress DSRStatus = "IN_PROGRESS"
	DSRCompleted  DSRStatus = "COMPLETED"
	DSRRejected   DSRStatus = "REJECTED"
)

func (s DSRStatus) Valid() bool {
	switch s {
	case DSRPending, DSRInProgress, DSRCompleted, DSRRejected:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s DSRStatus) Terminal() bool {
	return s == DSRCompleted || s == DSRRejected
}

type RequesterInfo struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name,omitempty"`
}

type DSRRequest struct {
	ID             string         `json:"id" db:"id"`
	Type           DSRType        `json:"type" db:"type"`
	Status         DSRStatus      `json:"status" db:"status"`
	CreatedAt      time.Time      `json:"createdAt" db:"created_at"`
	DueDate        time.Time      `json:"dueDate" db:"due_date"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty" db:"completed_at"`
	RequesterInfo  RequesterInfo  `json:"requesterInfo" db:"requester_info"`
	RequestDetails map[string]any `json:"requestDetails,omitempty" db:"request_details"`
	ResponseData   map[string]any `json:"responseData,omitempty" db:"response_data"`
	Notes          string         `json:"notes,omitempty" db:"notes"`
}

// IsOverdue is true once the due date has passed and the request is not
// COMPLETED. REJECTED requests past their due date still count.
func (r *DSRRequest) IsOverdue(now time.Time) bool {
	return r.DueDate.Before(now) && r.Status != DSRCompleted
}

type DSRFilter struct {
	Status  DSRStatus
	Type    DSRType
	Overdue bool
}

type DSRStats struct {
	Total    int               `json:"total"`
	ByStatus map[DSRStatus]int `json:"byStatus"`
	ByType   map[DSRType]int   `json:"byType"`
	Overdue  int               `json:"overdue"`
}
