package zvt

import "github.com/kassenwerk/periphd/internal/coremodel"

// Result codes reported in BMP 27 of a completion, and as the first
// payload byte of a negative ACK.
const (
	resultOK              = 0x00
	resultDeclined        = 0x51
	resultPINWrong        = 0x55
	resultHostTimeout     = 0x57
	resultCardNotAccepted = 0x64
	resultCardExpired     = 0x65
	resultCardBlocked     = 0x66
	resultCardInvalid     = 0x6B
	resultAbort           = 0x6C
	resultPINBlocked      = 0x75
)

// resultMessages is the human text for the result codes the engine
// classifies. Unknown codes fall back to a generic message; the full ZVT
// error catalogue is acquirer-specific.
var resultMessages = map[byte]string{
	resultOK:              "Payment successful",
	resultDeclined:        "Transaction declined",
	resultPINWrong:        "Wrong PIN entered",
	resultHostTimeout:     "Authorization host timeout",
	resultCardNotAccepted: "Card not accepted",
	resultCardExpired:     "Card expired",
	resultCardBlocked:     "Card blocked",
	resultCardInvalid:     "Card invalid",
	resultAbort:           "Transaction aborted",
	resultPINBlocked:      "PIN blocked",
}

// resultMessage returns the text for code.
func resultMessage(code byte) string {
	if msg, ok := resultMessages[code]; ok {
		return msg
	}
	return "Terminal error"
}

// statusFromResult maps a result code to the transaction status.
func statusFromResult(code byte) coremodel.TransactionStatus {
	switch code {
	case resultOK:
		return coremodel.TxApproved
	case resultDeclined, resultPINWrong, resultCardNotAccepted,
		resultCardExpired, resultCardBlocked, resultCardInvalid, resultPINBlocked:
		return coremodel.TxDeclined
	case resultAbort:
		return coremodel.TxCancelled
	case resultHostTimeout:
		return coremodel.TxTimeout
	}
	return coremodel.TxError
}

// cardTypeFromID maps the terminal's card-type id. The table is
// deliberately minimal; ids vary by acquirer and additions need
// acquirer-specific evidence.
func cardTypeFromID(id byte) coremodel.CardType {
	switch id {
	case 0x02:
		return coremodel.CardVisa
	case 0x03:
		return coremodel.CardMastercard
	case 0x04:
		return coremodel.CardAmex
	case 0x05:
		return coremodel.CardMaestro
	}
	return coremodel.CardUnknown
}
