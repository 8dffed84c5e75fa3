package smartid

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aegis-sign/signflow/internal/app/faults"
	"github.com/aegis-sign/signflow/internal/infra/relay"
	"golang.org/x/text/unicode/norm"
)

const (
	stateRunning  = "RUNNING"
	stateComplete = "COMPLETE"

	interactionDisplayTextAndPIN = "displayTextAndPIN"
	maxDisplayText               = 60
	certificateLevelQualified    = "QUALIFIED"
	hashTypeSHA256               = "SHA256"

	// 提供方自定义 HTTP 状态码。
	statusNoSuitableAccount      = 471
	statusPersonShouldViewApp    = 472
	statusClientTooOld           = 480
	statusSystemUnderMaintenance = 580
)

type certificateChoiceRequest struct {
	RelyingPartyUUID string `json:"relyingPartyUUID"`
	RelyingPartyName string `json:"relyingPartyName"`
	CertificateLevel string `json:"certificateLevel"`
}

type interaction struct {
	Type          string `json:"type"`
	DisplayText60 string `json:"displayText60,omitempty"`
}

type signatureRequest struct {
	RelyingPartyUUID         string        `json:"relyingPartyUUID"`
	RelyingPartyName         string        `json:"relyingPartyName"`
	CertificateLevel         string        `json:"certificateLevel"`
	Hash                     string        `json:"hash"`
	HashType                 string        `json:"hashType"`
	AllowedInteractionsOrder []interaction `json:"allowedInteractionsOrder"`
}

type sessionResponse struct {
	SessionID string `json:"sessionID"`
}

type sessionStatus struct {
	State                   string `json:"state"`
	DeviceSelectionRequired bool   `json:"deviceSelectionRequired,omitempty"`
	Result                  struct {
		EndResult      string `json:"endResult"`
		DocumentNumber string `json:"documentNumber"`
	} `json:"result"`
	Cert *struct {
		Value            string `json:"value"`
		CertificateLevel string `json:"certificateLevel"`
	} `json:"cert,omitempty"`
	Signature *struct {
		Value     string `json:"value"`
		Algorithm string `json:"algorithm"`
	} `json:"signature,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// VerificationCode 计算 Smart-ID 四位校验码：SHA-256(hash) 末两字节大端取模 10000。
func VerificationCode(hash []byte) string {
	sum := sha256.Sum256(hash)
	code := binary.BigEndian.Uint16(sum[len(sum)-2:]) % 10000
	return fmt.Sprintf("%04d", code)
}

// SignatureHash 返回发送给 Smart-ID 的待签哈希。
func SignatureHash(dataToSign []byte) []byte {
	sum := sha256.Sum256(dataToSign)
	return sum[:]
}

// DisplayText 做 NFC 规范化并截断到 60 个字符。
func DisplayText(text string) string {
	runes := []rune(norm.NFC.String(text))
	if len(runes) > maxDisplayText {
		runes = runes[:maxDisplayText]
	}
	return string(runes)
}

// semanticsID 构造 ETSI 自然人标识 PNO{CC}-{code}。
func semanticsID(country, personalCode string) string {
	return "PNO" + country + "-" + personalCode
}

// statusCode 将中继 HTTP 状态映射为终止码；响应体中的已知码优先。
func statusCode(err *relay.StatusError, op string) faults.Code {
	var body errorBody
	if json.Unmarshal(err.Body, &body) == nil && body.Error != "" {
		if code := faults.Code(body.Error); faults.Known(faults.BackendSmartID, code) {
			return code
		}
	}
	switch err.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return faults.CodeInvalidAccessRights
	case http.StatusNotFound:
		if op == opPollSession {
			return faults.CodeSessionNotFound
		}
		return faults.CodeAccountNotFound
	case http.StatusConflict:
		return faults.CodeExceededUnsuccessfulRequests
	case http.StatusTooManyRequests:
		return faults.CodeTooManyRequests
	case statusNoSuitableAccount:
		return faults.CodeNoSuitableAccount
	case statusPersonShouldViewApp:
		return faults.CodePersonShouldViewApp
	case statusClientTooOld:
		return faults.CodeClientTooOld
	case statusSystemUnderMaintenance:
		return faults.CodeSystemUnderMaintenance
	}
	if err.Status >= 500 {
		return faults.CodeServerError
	}
	return faults.CodeTechnicalError
}
