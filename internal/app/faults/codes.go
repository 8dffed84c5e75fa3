package faults

// Backend 标识终止码所属的签名后端。
type Backend string

const (
	BackendMobileID Backend = "mobile_id"
	BackendSmartID  Backend = "smart_id"
	BackendCard     Backend = "card"
)

// Code 表示后端终止码。同名码在不同后端可能含义不同，需与 Backend 一起解释。
type Code string

// 两种远程签名后端共享的传输与服务端派生码。
const (
	CodeOK                           Code = "OK"
	CodeTimeout                      Code = "TIMEOUT"
	CodeUserCancelled                Code = "USER_CANCELLED"
	CodeTooManyRequests              Code = "TOO_MANY_REQUESTS"
	CodeExceededUnsuccessfulRequests Code = "EXCEEDED_UNSUCCESSFUL_REQUESTS"
	CodeInvalidAccessRights          Code = "INVALID_ACCESS_RIGHTS"
	CodeOCSPInvalidTimeSlot          Code = "OCSP_INVALID_TIME_SLOT"
	CodeCertificateRevoked           Code = "CERTIFICATE_REVOKED"
	CodeNoResponse                   Code = "NO_RESPONSE"
	CodeInvalidSSLHandshake          Code = "INVALID_SSL_HANDSHAKE"
	CodeTechnicalError               Code = "TECHNICAL_ERROR"
	CodeInvalidProxySettings         Code = "INVALID_PROXY_SETTINGS"
)

// Mobile-ID 终止码。
const (
	CodeNotMIDClient          Code = "NOT_MID_CLIENT"
	CodeSignatureHashMismatch Code = "SIGNATURE_HASH_MISMATCH"
	CodePhoneAbsent           Code = "PHONE_ABSENT"
	CodeDeliveryError         Code = "DELIVERY_ERROR"
	CodeSIMError              Code = "SIM_ERROR"
	CodeGeneralError          Code = "GENERAL_ERROR"
	CodeInvalidCountryCode    Code = "INVALID_COUNTRY_CODE"
	CodeNotFound              Code = "NOT_FOUND"
	CodeNotActive             Code = "NOT_ACTIVE"
	CodeMissingSession        Code = "MISSING_SESSION"
)

// Smart-ID 终止码。
const (
	CodeUserRefused                      Code = "USER_REFUSED"
	CodeUserRefusedCertChoice            Code = "USER_REFUSED_CERT_CHOICE"
	CodeUserRefusedDisplayTextAndPIN     Code = "USER_REFUSED_DISPLAYTEXTANDPIN"
	CodeUserRefusedVCChoice              Code = "USER_REFUSED_VC_CHOICE"
	CodeUserRefusedConfirmationMessage   Code = "USER_REFUSED_CONFIRMATIONMESSAGE"
	CodeUserRefusedConfirmationMessageVC Code = "USER_REFUSED_CONFIRMATIONMESSAGE_WITH_VC_CHOICE"
	CodeDocumentUnusable                 Code = "DOCUMENT_UNUSABLE"
	CodeWrongVC                          Code = "WRONG_VC"
	CodeInteractionNotSupported          Code = "REQUIRED_INTERACTION_NOT_SUPPORTED_BY_APP"
	CodeProtocolFailure                  Code = "PROTOCOL_FAILURE"
	CodeExpectedLinkedSession            Code = "EXPECTED_LINKED_SESSION"
	CodeServerError                      Code = "SERVER_ERROR"
	CodeAccountNotFound                  Code = "ACCOUNT_NOT_FOUND"
	CodeSessionNotFound                  Code = "SESSION_NOT_FOUND"
	CodeNoSuitableAccount                Code = "NO_SUITABLE_ACCOUNT"
	CodePersonShouldViewApp              Code = "PERSON_SHOULD_VIEW_APP"
	CodeClientTooOld                     Code = "CLIENT_TOO_OLD"
	CodeSystemUnderMaintenance           Code = "SYSTEM_UNDER_MAINTENANCE"
)

// 读卡器/智能卡终止码。
const (
	CodeWrongPIN        Code = "WRONG_PIN"
	CodePINLocked       Code = "PIN_LOCKED"
	CodeWrongPUK        Code = "WRONG_PUK"
	CodePUKLocked       Code = "PUK_LOCKED"
	CodeWrongCAN        Code = "WRONG_CAN"
	CodeTagLost         Code = "TAG_LOST"
	CodeConnectionLost  Code = "CONNECTION_LOST"
	CodeProtocolError   Code = "PROTOCOL_ERROR"
	CodeReaderNotFound  Code = "READER_NOT_FOUND"
	CodeCardNotPresent  Code = "CARD_NOT_PRESENT"
	CodeInvalidResponse Code = "INVALID_RESPONSE"
)

// MobileIDCodes 返回 Mobile-ID 全部终止码（不含 OK）。
func MobileIDCodes() []Code {
	return []Code{
		CodeTimeout, CodeNotMIDClient, CodeUserCancelled, CodeSignatureHashMismatch,
		CodePhoneAbsent, CodeDeliveryError, CodeSIMError, CodeTooManyRequests,
		CodeExceededUnsuccessfulRequests, CodeInvalidAccessRights, CodeOCSPInvalidTimeSlot,
		CodeCertificateRevoked, CodeGeneralError, CodeNoResponse, CodeInvalidCountryCode,
		CodeInvalidSSLHandshake, CodeTechnicalError, CodeInvalidProxySettings,
		CodeNotFound, CodeNotActive, CodeMissingSession,
	}
}

// SmartIDCodes 返回 Smart-ID 全部终止码（不含 OK）。
func SmartIDCodes() []Code {
	return []Code{
		CodeUserRefused, CodeUserRefusedCertChoice, CodeUserRefusedDisplayTextAndPIN,
		CodeUserRefusedVCChoice, CodeUserRefusedConfirmationMessage, CodeUserRefusedConfirmationMessageVC,
		CodeTimeout, CodeDocumentUnusable, CodeWrongVC, CodeInteractionNotSupported,
		CodeProtocolFailure, CodeExpectedLinkedSession, CodeServerError, CodeAccountNotFound,
		CodeSessionNotFound, CodeInvalidAccessRights, CodeNoSuitableAccount, CodePersonShouldViewApp,
		CodeClientTooOld, CodeSystemUnderMaintenance, CodeTooManyRequests,
		CodeExceededUnsuccessfulRequests, CodeNoResponse, CodeInvalidProxySettings,
		CodeCertificateRevoked, CodeOCSPInvalidTimeSlot, CodeInvalidSSLHandshake,
		CodeTechnicalError, CodeUserCancelled,
	}
}

// CardCodes 返回读卡器流程全部终止码。
func CardCodes() []Code {
	return []Code{
		CodeWrongPIN, CodePINLocked, CodeWrongPUK, CodePUKLocked, CodeWrongCAN, CodeTagLost, CodeConnectionLost,
		CodeProtocolError, CodeReaderNotFound, CodeCardNotPresent, CodeInvalidResponse,
		CodeNoResponse, CodeInvalidProxySettings, CodeCertificateRevoked,
		CodeOCSPInvalidTimeSlot, CodeTechnicalError, CodeUserCancelled,
	}
}

// CodesFor 返回指定后端的全部终止码。
func CodesFor(b Backend) []Code {
	switch b {
	case BackendMobileID:
		return MobileIDCodes()
	case BackendSmartID:
		return SmartIDCodes()
	case BackendCard:
		return CardCodes()
	default:
		return nil
	}
}
