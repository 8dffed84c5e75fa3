package mobileid

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aegis-sign/signflow/internal/app/faults"
	"github.com/aegis-sign/signflow/internal/infra/relay"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	stateRunning  = "RUNNING"
	stateComplete = "COMPLETE"

	hashTypeSHA256 = "SHA256"
	maxDisplayText = 40
)

type certificateRequest struct {
	RelyingPartyUUID       string `json:"relyingPartyUUID"`
	RelyingPartyName       string `json:"relyingPartyName"`
	PhoneNumber            string `json:"phoneNumber"`
	NationalIdentityNumber string `json:"nationalIdentityNumber"`
}

type certificateResponse struct {
	Result string `json:"result"`
	Cert   string `json:"cert"`
}

type signatureRequest struct {
	RelyingPartyUUID       string `json:"relyingPartyUUID"`
	RelyingPartyName       string `json:"relyingPartyName"`
	PhoneNumber            string `json:"phoneNumber"`
	NationalIdentityNumber string `json:"nationalIdentityNumber"`
	Hash                   string `json:"hash"`
	HashType               string `json:"hashType"`
	Language               string `json:"language"`
	DisplayText            string `json:"displayText,omitempty"`
	DisplayTextFormat      string `json:"displayTextFormat,omitempty"`
}

type signatureResponse struct {
	SessionID        string `json:"sessionID"`
	VerificationCode string `json:"verificationCode,omitempty"`
}

type sessionStatus struct {
	State     string `json:"state"`
	Result    string `json:"result"`
	Signature *struct {
		Value     string `json:"value"`
		Algorithm string `json:"algorithm"`
	} `json:"signature,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// VerificationCode 计算 Mobile-ID 四位挑战码：首字节高 6 位与末字节低 7 位。
func VerificationCode(hash []byte) string {
	if len(hash) == 0 {
		return "0000"
	}
	code := (int(hash[0]&0xFC) << 5) | int(hash[len(hash)-1]&0x7F)
	return fmt.Sprintf("%04d", code)
}

// SignatureHash 返回发送给 Mobile-ID 的待签哈希。
func SignatureHash(dataToSign []byte) []byte {
	sum := sha256.Sum256(dataToSign)
	return sum[:]
}

var (
	supportedTags = []language.Tag{language.English, language.Estonian, language.Russian, language.Lithuanian}
	languageCodes = []string{"ENG", "EST", "RUS", "LIT"}
	matcher       = language.NewMatcher(supportedTags)
)

// Language 将 BCP-47 区域设置匹配到 Mobile-ID 语言码，无法匹配时为 ENG。
func Language(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return "ENG"
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return "ENG"
	}
	return languageCodes[idx]
}

// DisplayText 做 NFC 规范化并截断到 40 个字符，返回文本与编码格式。
func DisplayText(text string) (string, string) {
	runes := []rune(norm.NFC.String(text))
	if len(runes) > maxDisplayText {
		runes = runes[:maxDisplayText]
	}
	format := "GSM-7"
	for _, r := range runes {
		if !isGSM7(r) {
			format = "UCS-2"
			break
		}
	}
	return string(runes), format
}

const gsm7Basic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"

var gsm7Set = func() map[rune]bool {
	set := make(map[rune]bool, len(gsm7Basic))
	for _, r := range gsm7Basic {
		set[r] = true
	}
	return set
}()

func isGSM7(r rune) bool { return gsm7Set[r] }

// decodeSignature 解码会话结果中的签名值。
func decodeSignature(st *sessionStatus) ([]byte, error) {
	if st.Signature == nil || st.Signature.Value == "" {
		return nil, errors.New("session result carries no signature")
	}
	return base64.StdEncoding.DecodeString(st.Signature.Value)
}

// statusCode 将中继 HTTP 状态映射为终止码；响应体中的已知码优先。
func statusCode(err *relay.StatusError, op string) faults.Code {
	var body errorBody
	if json.Unmarshal(err.Body, &body) == nil && body.Error != "" {
		if code := faults.Code(body.Error); faults.Known(faults.BackendMobileID, code) {
			return code
		}
	}
	switch {
	case err.Status == http.StatusUnauthorized || err.Status == http.StatusForbidden:
		return faults.CodeInvalidAccessRights
	case err.Status == http.StatusNotFound:
		if op == opPollSignature {
			return faults.CodeMissingSession
		}
		return faults.CodeNotFound
	case err.Status == http.StatusConflict:
		return faults.CodeExceededUnsuccessfulRequests
	case err.Status == http.StatusTooManyRequests:
		return faults.CodeTooManyRequests
	case err.Status >= 500:
		return faults.CodeGeneralError
	default:
		return faults.CodeTechnicalError
	}
}
