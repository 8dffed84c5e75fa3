package container

import (
	"context"
	"crypto/x509"
	"errors"
	"time"
)

var (
	// ErrContainerEmpty 容器中没有任何数据文件。
	ErrContainerEmpty = errors.New("container has no data files")
	// ErrContainerAlreadyPending 容器中已存在未完成的签名。
	ErrContainerAlreadyPending = errors.New("container already holds a pending signature")
	// ErrContainerNotFound 容器不存在。
	ErrContainerNotFound = errors.New("container not found")
	// ErrNoPendingSignature 完成签名时找不到待定签名。
	ErrNoPendingSignature = errors.New("container has no pending signature")
	// ErrSignatureMismatch 签名值无法用签名证书验证。
	ErrSignatureMismatch = errors.New("signature value does not verify against signer certificate")
	// ErrCertificateRevoked 签名证书已被吊销。
	ErrCertificateRevoked = errors.New("signer certificate is revoked")
	// ErrRevocationUnavailable 无法获取吊销状态（网络错误）。
	ErrRevocationUnavailable = errors.New("revocation status unavailable")
	// ErrDocumentChanged 数据文件在准备摘要之后发生变化。
	ErrDocumentChanged = errors.New("container data files changed since the digest was prepared")
	// ErrSignatureNotFound 指定签名不存在。
	ErrSignatureNotFound = errors.New("signature not found")
)

// ValidatorStatus 表示签名校验结果。
type ValidatorStatus string

const (
	StatusValid   ValidatorStatus = "VALID"
	StatusWarning ValidatorStatus = "WARNING"
	StatusNonQSCD ValidatorStatus = "NON_QSCD"
	StatusInvalid ValidatorStatus = "INVALID"
	StatusUnknown ValidatorStatus = "UNKNOWN"
)

// Acceptable 判断状态是否可作为已提交签名保留。
func (s ValidatorStatus) Acceptable() bool {
	switch s {
	case StatusValid, StatusWarning, StatusNonQSCD:
		return true
	default:
		return false
	}
}

// RoleData 是签名人声明的角色与地址，发送后不可变。
type RoleData struct {
	Roles   []string `json:"roles,omitempty"`
	City    string   `json:"city,omitempty"`
	State   string   `json:"state,omitempty"`
	Country string   `json:"country,omitempty"`
	Zip     string   `json:"zip,omitempty"`
}

// Empty 判断是否未填写任何角色信息。
func (r *RoleData) Empty() bool {
	return r == nil || (len(r.Roles) == 0 && r.City == "" && r.State == "" && r.Country == "" && r.Zip == "")
}

// DataFile 描述容器中的一个数据文件。
type DataFile struct {
	Name   string
	Digest []byte
	Size   int64
}

// SignatureRecord 描述容器中的一个签名。
type SignatureRecord struct {
	ID                string
	SignerCertificate *x509.Certificate
	Role              *RoleData
	Status            ValidatorStatus
	Pending           bool
	CreatedAt         time.Time
	SignedAt          time.Time
}

// Container 是签名容器库的接口；每个方法以容器 ID 寻址。
type Container interface {
	// DataFiles 返回容器中的数据文件，顺序固定。
	DataFiles(ctx context.Context, containerID string) ([]DataFile, error)
	// Signatures 返回全部签名（含待定签名）及其校验状态。
	Signatures(ctx context.Context, containerID string) ([]SignatureRecord, error)
	// PrepareSignature 以 doc 中已计算的摘要创建待定签名并返回需要签名的字节。
	PrepareSignature(ctx context.Context, doc *Document, cert *x509.Certificate, role *RoleData) ([]byte, error)
	// FinalizeSignature 绑定签名值并校验，成功后待定签名成为已提交签名。
	FinalizeSignature(ctx context.Context, containerID string, signature []byte) error
	// RemovePendingSignature 删除待定签名，幂等。
	RemovePendingSignature(ctx context.Context, containerID string) error
	// RemoveSignature 删除指定签名。
	RemoveSignature(ctx context.Context, containerID, signatureID string) error
}

// PendingOf 返回签名列表中的待定签名。
func PendingOf(records []SignatureRecord) (SignatureRecord, bool) {
	for _, r := range records {
		if r.Pending {
			return r, true
		}
	}
	return SignatureRecord{}, false
}

// Committed 返回已提交签名。
func Committed(records []SignatureRecord) []SignatureRecord {
	out := make([]SignatureRecord, 0, len(records))
	for _, r := range records {
		if !r.Pending {
			out = append(out, r)
		}
	}
	return out
}
