package container

import (
	"context"
	"crypto/sha256"
	"fmt"
)

// Document 是一次签名会话独占的待签文档引用。
type Document struct {
	ContainerID string
	Files       []DataFile
	// Digest 是数据文件的规范化摘要，整个会话只计算一次。
	Digest []byte
}

// Preparer 负责在分派适配器之前校验容器并计算摘要。
type Preparer struct {
	container Container
}

// NewPreparer 创建 Preparer。
func NewPreparer(c Container) *Preparer {
	if c == nil {
		panic("container is required")
	}
	return &Preparer{container: c}
}

// Prepare 要求容器至少有一个数据文件且不存在待定签名。
func (p *Preparer) Prepare(ctx context.Context, containerID string) (*Document, error) {
	files, err := p.container.DataFiles(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("list data files: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrContainerEmpty
	}
	records, err := p.container.Signatures(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	if _, ok := PendingOf(records); ok {
		return nil, ErrContainerAlreadyPending
	}
	return &Document{
		ContainerID: containerID,
		Files:       files,
		Digest:      CanonicalDigest(files),
	}, nil
}

// CanonicalDigest 计算 SHA-256(name || 0x00 || digest ...)，按文件顺序。
func CanonicalDigest(files []DataFile) []byte {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write(f.Digest)
	}
	return h.Sum(nil)
}
