package decoder

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const revertPrefix = "execution reverted"

// RevertReason 从节点错误中提取回滚原因
// 优先解码 Error(string)/Panic(uint256) 返回数据，其次解析错误消息
func RevertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if reason, ok := reasonFromData(dataErr.ErrorData()); ok {
			return reason, true
		}
	}

	msg := err.Error()
	idx := strings.Index(msg, revertPrefix)
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len(revertPrefix):], ":"))
	if reason == "" {
		reason = revertPrefix
	}
	return reason, true
}

// UnpackRevertData 解码回滚返回数据
func UnpackRevertData(data []byte) (string, bool) {
	if len(data) < 4 {
		return "", false
	}
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		// 自定义错误，只能给出选择器
		return revertPrefix + " (" + hexutil.Encode(data[:4]) + ")", true
	}
	return reason, true
}

func reasonFromData(data interface{}) (string, bool) {
	s, ok := data.(string)
	if !ok {
		return "", false
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return "", false
	}
	return UnpackRevertData(raw)
}
