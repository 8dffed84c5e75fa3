package faults

import (
	"fmt"

	"github.com/aegis-sign/signflow/pkg/apierrors"
)

// Fault 是后端上报的终止故障。
type Fault struct {
	Backend Backend
	Code    Code
	// RetriesLeft 仅对 WRONG_PIN/WRONG_PUK 有意义，-1 表示未知。
	RetriesLeft int
	// Cause 原始错误，仅用于日志。
	Cause error
}

// Error 实现 error 接口，便于在适配器内部传递。
func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s fault %s: %v", f.Backend, f.Code, f.Cause)
	}
	return fmt.Sprintf("%s fault %s", f.Backend, f.Code)
}

// Unwrap 返回原始错误。
func (f *Fault) Unwrap() error { return f.Cause }

// New 创建不带原始错误的故障。
func New(b Backend, c Code) *Fault {
	return &Fault{Backend: b, Code: c, RetriesLeft: -1}
}

// Wrap 创建携带原始错误的故障。
func Wrap(b Backend, c Code, cause error) *Fault {
	return &Fault{Backend: b, Code: c, RetriesLeft: -1, Cause: cause}
}

type classification struct {
	code apierrors.Code
	kind apierrors.Kind
}

func provider(c apierrors.Code) classification {
	return classification{code: c, kind: apierrors.KindProviderFault}
}

func transport(c apierrors.Code) classification {
	return classification{code: c, kind: apierrors.KindTransport}
}

func hardware(c apierrors.Code) classification {
	return classification{code: c, kind: apierrors.KindHardware}
}

var sharedTable = map[Code]classification{
	CodeTimeout:                      provider(apierrors.CodeSessionExpired),
	CodeUserCancelled:                provider(apierrors.CodeUserCancelled),
	CodeTooManyRequests:              provider(apierrors.CodeTooManyRequests),
	CodeExceededUnsuccessfulRequests: provider(apierrors.CodeTooManyRequests),
	CodeInvalidAccessRights:          provider(apierrors.CodeTechnicalError),
	CodeOCSPInvalidTimeSlot:          provider(apierrors.CodeTechnicalError),
	CodeCertificateRevoked:           provider(apierrors.CodeCertificateRevoked),
	CodeNoResponse:                   transport(apierrors.CodeNoInternet),
	CodeInvalidSSLHandshake:          transport(apierrors.CodeTechnicalError),
	CodeTechnicalError:               provider(apierrors.CodeTechnicalError),
	CodeInvalidProxySettings:         transport(apierrors.CodeProxyInvalid),
}

var mobileIDTable = map[Code]classification{
	CodeNotMIDClient:          provider(apierrors.CodeAccountNotFound),
	CodeSignatureHashMismatch: provider(apierrors.CodeTechnicalError),
	CodePhoneAbsent:           provider(apierrors.CodeTechnicalError),
	CodeDeliveryError:         provider(apierrors.CodeTechnicalError),
	CodeSIMError:              provider(apierrors.CodeTechnicalError),
	CodeGeneralError:          provider(apierrors.CodeTechnicalError),
	CodeInvalidCountryCode:    provider(apierrors.CodeInvalidCredentials),
	CodeNotFound:              provider(apierrors.CodeAccountNotFound),
	CodeNotActive:             provider(apierrors.CodeAccountNotFound),
	CodeMissingSession:        provider(apierrors.CodeTechnicalError),
}

var smartIDTable = map[Code]classification{
	CodeUserRefused:                      provider(apierrors.CodeUserCancelled),
	CodeUserRefusedCertChoice:            provider(apierrors.CodeUserCancelled),
	CodeUserRefusedDisplayTextAndPIN:     provider(apierrors.CodeUserCancelled),
	CodeUserRefusedVCChoice:              provider(apierrors.CodeUserCancelled),
	CodeUserRefusedConfirmationMessage:   provider(apierrors.CodeUserCancelled),
	CodeUserRefusedConfirmationMessageVC: provider(apierrors.CodeUserCancelled),
	CodeDocumentUnusable:                 provider(apierrors.CodeTechnicalError),
	CodeWrongVC:                          provider(apierrors.CodeTechnicalError),
	CodeInteractionNotSupported:          provider(apierrors.CodeTechnicalError),
	CodeProtocolFailure:                  provider(apierrors.CodeTechnicalError),
	CodeExpectedLinkedSession:            provider(apierrors.CodeTechnicalError),
	CodeServerError:                      provider(apierrors.CodeTechnicalError),
	CodeAccountNotFound:                  provider(apierrors.CodeAccountNotFound),
	CodeSessionNotFound:                  provider(apierrors.CodeSessionExpired),
	CodeNoSuitableAccount:                provider(apierrors.CodeAccountNotFound),
	CodePersonShouldViewApp:              provider(apierrors.CodeTechnicalError),
	CodeClientTooOld:                     provider(apierrors.CodeTechnicalError),
	CodeSystemUnderMaintenance:           provider(apierrors.CodeTechnicalError),
}

var cardTable = map[Code]classification{
	CodeWrongPIN:        hardware(apierrors.CodeInvalidCredentials),
	CodePINLocked:       hardware(apierrors.CodeInvalidCredentials),
	CodeWrongPUK:        hardware(apierrors.CodeInvalidCredentials),
	CodePUKLocked:       hardware(apierrors.CodeInvalidCredentials),
	CodeWrongCAN:        hardware(apierrors.CodeInvalidCredentials),
	CodeTagLost:         hardware(apierrors.CodeTechnicalError),
	CodeConnectionLost:  hardware(apierrors.CodeTechnicalError),
	CodeProtocolError:   hardware(apierrors.CodeTechnicalError),
	CodeReaderNotFound:  hardware(apierrors.CodeTechnicalError),
	CodeCardNotPresent:  hardware(apierrors.CodeTechnicalError),
	CodeInvalidResponse: hardware(apierrors.CodeTechnicalError),
}

var messages = map[apierrors.Code]string{
	apierrors.CodeUserCancelled:      "signing was cancelled",
	apierrors.CodeNoInternet:         "no internet connection",
	apierrors.CodeProxyInvalid:       "proxy settings are invalid",
	apierrors.CodeCertificateRevoked: "signing certificate is revoked",
	apierrors.CodeTooManyRequests:    "too many requests, try again later",
	apierrors.CodeSessionExpired:     "signing session expired",
	apierrors.CodeAccountNotFound:    "signing account not found",
	apierrors.CodeTechnicalError:     "technical error",
	apierrors.CodeInvalidCredentials: "invalid credentials",
}

func lookup(b Backend, c Code) (classification, bool) {
	var table map[Code]classification
	switch b {
	case BackendMobileID:
		table = mobileIDTable
	case BackendSmartID:
		table = smartIDTable
	case BackendCard:
		table = cardTable
	}
	if cl, ok := table[c]; ok {
		return cl, true
	}
	if cl, ok := sharedTable[c]; ok {
		if b == BackendCard && cl.kind == apierrors.KindProviderFault {
			cl.kind = apierrors.KindHardware
		}
		return cl, true
	}
	return classification{}, false
}

// Known 判断终止码是否在后端的枚举中有映射。
func Known(b Backend, c Code) bool {
	_, ok := lookup(b, c)
	return ok
}

// Classify 将后端终止码映射为面向用户的错误码，未知码一律为 TECHNICAL_ERROR。
func Classify(b Backend, c Code) apierrors.Code {
	if cl, ok := lookup(b, c); ok {
		return cl.code
	}
	return apierrors.CodeTechnicalError
}

// Message 返回错误码对应的默认提示文本。
func Message(code apierrors.Code) string {
	if msg, ok := messages[code]; ok {
		return msg
	}
	return messages[apierrors.CodeTechnicalError]
}

// PINRetryMessage 返回需原样展示的 PIN 剩余次数提示。
func PINRetryMessage(retriesLeft int) string {
	switch {
	case retriesLeft < 0:
		return ""
	case retriesLeft == 0:
		return "locked"
	case retriesLeft == 1:
		return "final attempt"
	default:
		return fmt.Sprintf("%d attempts left", retriesLeft)
	}
}

// PUKRetryMessage 返回需原样展示的 PUK 剩余次数提示。
func PUKRetryMessage(retriesLeft int) string {
	switch {
	case retriesLeft < 0:
		return "wrong PUK"
	case retriesLeft == 0:
		return "PUK locked"
	case retriesLeft == 1:
		return "final PUK attempt"
	default:
		return fmt.Sprintf("%d PUK attempts left", retriesLeft)
	}
}

// ToError 将故障转换为面向用户的业务错误。
func ToError(f *Fault) *apierrors.Error {
	if f == nil {
		return apierrors.New(apierrors.CodeTechnicalError, Message(apierrors.CodeTechnicalError))
	}
	cl, ok := lookup(f.Backend, f.Code)
	if !ok {
		cl = provider(apierrors.CodeTechnicalError)
		if f.Backend == BackendCard {
			cl.kind = apierrors.KindHardware
		}
	}
	err := apierrors.NewKind(cl.kind, cl.code, Message(cl.code)).WithFault(string(f.Code))
	if f.Cause != nil {
		err = err.WithCause(f.Cause)
	}
	switch f.Code {
	case CodeWrongPIN:
		err = err.WithDetail(PINRetryMessage(f.RetriesLeft))
	case CodePINLocked:
		err = err.WithDetail(PINRetryMessage(0))
	case CodeWrongPUK:
		err = err.WithDetail(PUKRetryMessage(f.RetriesLeft))
	case CodePUKLocked:
		err = err.WithDetail(PUKRetryMessage(0))
	}
	return err
}
