package signflowapi

import (
	"context"
	"errors"
	"time"

	"github.com/aegis-sign/signflow/internal/app/container"
	"github.com/aegis-sign/signflow/internal/app/signing"
	"github.com/aegis-sign/signflow/pkg/apierrors"
)

// Sessions 是 HTTP/gRPC handler 依赖的会话控制面，由 signing.Controller 实现。
type Sessions interface {
	Start(ctx context.Context, req signing.StartRequest) (*signing.Session, error)
	Cancel(sessionID string) (bool, error)
	Lookup(sessionID string) (*signing.Session, error)
}

var _ Sessions = (*signing.Controller)(nil)

// codeSessionNotFound 不属于用户错误集合，仅用于传输层 404。
const codeSessionNotFound = "SESSION_NOT_FOUND"

type startRequestBody struct {
	ContainerID  string              `json:"containerId"`
	Method       string              `json:"method"`
	Role         *container.RoleData `json:"role,omitempty"`
	PhoneNumber  string              `json:"phoneNumber,omitempty"`
	PersonalCode string              `json:"personalCode,omitempty"`
	Country      string              `json:"country,omitempty"`
	Reader       string              `json:"reader,omitempty"`
	PIN2         string              `json:"pin2,omitempty"`
	PUK          string              `json:"puk,omitempty"`
	CAN          string              `json:"can,omitempty"`
}

func (b *startRequestBody) toStartRequest() signing.StartRequest {
	creds := &signing.Credentials{
		PhoneNumber:  b.PhoneNumber,
		PersonalCode: b.PersonalCode,
		Country:      b.Country,
		Reader:       b.Reader,
		PIN2:         secretBytes(b.PIN2),
		PUK:          secretBytes(b.PUK),
		CAN:          secretBytes(b.CAN),
	}
	b.PIN2, b.PUK, b.CAN = "", "", ""
	return signing.StartRequest{
		ContainerID: b.ContainerID,
		Method:      signing.Method(b.Method),
		Role:        b.Role,
		Credentials: creds,
	}
}

func secretBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

type errorView struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type sessionView struct {
	SessionID       string     `json:"sessionId"`
	ContainerID     string     `json:"containerId"`
	Method          string     `json:"method"`
	Status          string     `json:"status"`
	Challenge       string     `json:"challenge,omitempty"`
	DeviceSelection bool       `json:"deviceSelection,omitempty"`
	SignatureID     string     `json:"signatureId,omitempty"`
	Error           *errorView `json:"error,omitempty"`
	StartedAt       string     `json:"startedAt"`
	UpdatedAt       string     `json:"updatedAt"`
}

func viewOf(snap signing.Snapshot) sessionView {
	view := sessionView{
		SessionID:       snap.SessionID,
		ContainerID:     snap.ContainerID,
		Method:          string(snap.Method),
		Status:          string(snap.Status),
		Challenge:       snap.Challenge,
		DeviceSelection: snap.DeviceSelection,
		SignatureID:     snap.SignatureID,
		StartedAt:       snap.StartedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:       snap.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if snap.Error != nil {
		view.Error = &errorView{
			Kind:    string(snap.Error.Kind),
			Code:    string(snap.Error.Code),
			Message: snap.Error.Message,
			Detail:  snap.Error.Detail,
		}
	}
	return view
}

func isNotFound(err error) bool {
	return errors.Is(err, signing.ErrSessionNotFound)
}

func internalError() *apierrors.Error {
	return apierrors.New(apierrors.CodeTechnicalError, "internal error")
}
