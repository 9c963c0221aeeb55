package proto

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	MsgTypeConnRequest  = "conn_request"
	MsgTypeConnResponse = "conn_response"
	MsgTypeConnAccept   = "conn_accept"
	MsgTypeProfileReq   = "profile_req"
	MsgTypeProfile      = "profile"
	MsgTypeError        = "error"

	MaxConnMsgSize = 8 << 10

	ConnStatusAccepted = "accepted"
	ConnStatusRejected = "rejected"
	ConnStatusPending  = "pending"
)

const (
	labelConnRequest = "nearlink:conn_request:v1"
	labelConnAccept  = "nearlink:conn_accept:v1"
)

// ConnRequestMsg is what a requester writes to the peer's handshake
// characteristic. Keys and signature are hex.
type ConnRequestMsg struct {
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	SigningPub   string `json:"signing_pub"`
	AgreementPub string `json:"agreement_pub"`
	Timestamp    int64  `json:"ts"`
	Nonce        string `json:"nonce"`
	Sig          string `json:"sig"`
}

type ConnResponseMsg struct {
	Type         string `json:"type"`
	Status       string `json:"status"`
	UserID       string `json:"user_id,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
	SigningPub   string `json:"signing_pub,omitempty"`
	AgreementPub string `json:"agreement_pub,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ConnAcceptMsg is the signed confirmation sent after a manual accept.
type ConnAcceptMsg struct {
	Type       string `json:"type"`
	FromUserID string `json:"from_user_id"`
	ToUserID   string `json:"to_user_id"`
	SigningPub string `json:"signing_pub"`
	Timestamp  int64  `json:"ts"`
	Sig        string `json:"sig"`
}

type ProfileReqMsg struct {
	Type string `json:"type"`
}

type ProfileMsg struct {
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	SigningPub   string `json:"signing_pub"`
	AgreementPub string `json:"agreement_pub"`
}

type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func EncodeConnRequestMsg(m ConnRequestMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeConnRequest
	}
	return json.Marshal(m)
}

func DecodeConnRequestMsg(data []byte) (ConnRequestMsg, error) {
	var m ConnRequestMsg
	if err := decodeTyped(data, MsgTypeConnRequest, &m, &m.Type); err != nil {
		return ConnRequestMsg{}, err
	}
	return m, nil
}

func EncodeConnResponseMsg(m ConnResponseMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeConnResponse
	}
	switch m.Status {
	case ConnStatusAccepted, ConnStatusRejected, ConnStatusPending:
	default:
		return nil, fmt.Errorf("bad conn status: %q", m.Status)
	}
	return json.Marshal(m)
}

func DecodeConnResponseMsg(data []byte) (ConnResponseMsg, error) {
	var m ConnResponseMsg
	if err := decodeTyped(data, MsgTypeConnResponse, &m, &m.Type); err != nil {
		return ConnResponseMsg{}, err
	}
	switch m.Status {
	case ConnStatusAccepted, ConnStatusRejected, ConnStatusPending:
	default:
		return ConnResponseMsg{}, fmt.Errorf("bad conn status: %q", m.Status)
	}
	return m, nil
}

func EncodeConnAcceptMsg(m ConnAcceptMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeConnAccept
	}
	return json.Marshal(m)
}

func DecodeConnAcceptMsg(data []byte) (ConnAcceptMsg, error) {
	var m ConnAcceptMsg
	if err := decodeTyped(data, MsgTypeConnAccept, &m, &m.Type); err != nil {
		return ConnAcceptMsg{}, err
	}
	return m, nil
}

func EncodeProfileMsg(m ProfileMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeProfile
	}
	return json.Marshal(m)
}

func DecodeProfileMsg(data []byte) (ProfileMsg, error) {
	var m ProfileMsg
	if err := decodeTyped(data, MsgTypeProfile, &m, &m.Type); err != nil {
		return ProfileMsg{}, err
	}
	return m, nil
}

func EncodeProfileReqMsg() []byte {
	b, _ := json.Marshal(ProfileReqMsg{Type: MsgTypeProfileReq})
	return b
}

func EncodeErrorMsg(msg string) []byte {
	b, _ := json.Marshal(ErrorMsg{Type: MsgTypeError, Error: msg})
	return b
}

func decodeTyped(data []byte, want string, v any, got *string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return err
	}
	if *got != "" && *got != want {
		return fmt.Errorf("unexpected msg type: %s", *got)
	}
	return nil
}

// MessageType sniffs the "type" field of a JSON message.
func MessageType(data []byte) (string, bool) {
	if len(data) > TypeSniffBytes {
		data = data[:TypeSniffBytes]
	}
	return extractType(data)
}

func MaxSizeForType(t string) int {
	switch t {
	case MsgTypeConnRequest, MsgTypeConnResponse, MsgTypeConnAccept, MsgTypeProfileReq, MsgTypeProfile, MsgTypeError:
		return MaxConnMsgSize
	}
	return SoftMaxFrameSize
}

// ConnRequestBytes is the signed portion of a request.
func ConnRequestBytes(userID, displayName string, signingPub, agreementPub []byte, ts int64, nonce []byte) []byte {
	buf := make([]byte, 0, len(labelConnRequest)+len(userID)+len(displayName)+len(signingPub)+len(agreementPub)+len(nonce)+8+10)
	buf = append(buf, labelConnRequest...)
	buf = appendField(buf, []byte(userID))
	buf = appendField(buf, []byte(displayName))
	buf = appendField(buf, signingPub)
	buf = appendField(buf, agreementPub)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	buf = appendField(buf, nonce)
	return buf
}

// ConnAcceptBytes is the signed portion of an accept confirmation.
func ConnAcceptBytes(fromUserID, toUserID string, ts int64) []byte {
	buf := make([]byte, 0, len(labelConnAccept)+len(fromUserID)+len(toUserID)+12)
	buf = append(buf, labelConnAccept...)
	buf = appendField(buf, []byte(fromUserID))
	buf = appendField(buf, []byte(toUserID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	return buf
}

func appendField(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))
	return append(buf, b...)
}

// DecodeConnRequestFields returns the decoded keys, nonce and signature.
func DecodeConnRequestFields(m ConnRequestMsg) (signingPub, agreementPub, nonce, sig []byte, err error) {
	signingPub, err = hex.DecodeString(m.SigningPub)
	if err != nil || len(signingPub) != 32 {
		return nil, nil, nil, nil, fmt.Errorf("bad signing_pub")
	}
	agreementPub, err = hex.DecodeString(m.AgreementPub)
	if err != nil || len(agreementPub) != 32 {
		return nil, nil, nil, nil, fmt.Errorf("bad agreement_pub")
	}
	nonce, err = hex.DecodeString(m.Nonce)
	if err != nil || len(nonce) == 0 {
		return nil, nil, nil, nil, fmt.Errorf("bad nonce")
	}
	sig, err = hex.DecodeString(m.Sig)
	if err != nil || len(sig) != 64 {
		return nil, nil, nil, nil, fmt.Errorf("bad sig")
	}
	return signingPub, agreementPub, nonce, sig, nil
}

func DecodeProfileFields(m ProfileMsg) (signingPub, agreementPub []byte, err error) {
	signingPub, err = hex.DecodeString(m.SigningPub)
	if err != nil || len(signingPub) != 32 {
		return nil, nil, fmt.Errorf("bad signing_pub")
	}
	agreementPub, err = hex.DecodeString(m.AgreementPub)
	if err != nil || len(agreementPub) != 32 {
		return nil, nil, fmt.Errorf("bad agreement_pub")
	}
	return signingPub, agreementPub, nil
}
