package signing

import (
	"crypto/subtle"
	"runtime"
)

// Credentials 是一次会话的身份与凭据材料，不得记录日志。
type Credentials struct {
	PhoneNumber  string
	PersonalCode string
	Country      string
	// Reader 指定读卡器名称，空值表示第一个可用读卡器。
	Reader string
	PIN2   []byte
	PUK    []byte
	CAN    []byte
}

// Wipe 清零 PIN2、PUK 与 CAN。
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	SecureZero(c.PIN2)
	SecureZero(c.PUK)
	SecureZero(c.CAN)
}

// Wiped 判断全部凭据缓冲区均为零。
func (c *Credentials) Wiped() bool {
	if c == nil {
		return true
	}
	for _, buf := range [][]byte{c.PIN2, c.PUK, c.CAN} {
		for _, b := range buf {
			if b != 0 {
				return false
			}
		}
	}
	return true
}

// SecureZero 清零缓冲区。
func SecureZero(buf []byte) {
	if len(buf) == 0 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	// 防止编译器优化掉填零。
	subtle.ConstantTimeByteEq(buf[0], buf[0])
	runtime.KeepAlive(buf)
}
