package gormrepo

import (
	"encoding/json"

	"github.com/kassenwerk/periphd/internal/coremodel"
	"github.com/kassenwerk/periphd/internal/storage/models"
)

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func deviceToModel(d *coremodel.Device) (*models.Device, error) {
	conn, err := coremodel.MarshalConnection(d.Connection)
	if err != nil {
		return nil, err
	}
	var settings []byte
	if len(d.Settings) > 0 {
		settings, err = json.Marshal(d.Settings)
		if err != nil {
			return nil, err
		}
	}
	return &models.Device{
		ID:         string(d.ID),
		Name:       d.Name,
		Kind:       string(d.Kind),
		Connection: conn,
		Protocol:   string(d.Protocol),
		TerminalID: strPtr(d.TerminalID),
		MerchantID: strPtr(d.MerchantID),
		IsDefault:  boolInt(d.IsDefault),
		Enabled:    boolInt(d.Enabled),
		Settings:   settings,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}, nil
}

func deviceFromModel(m *models.Device) (*coremodel.Device, error) {
	conn, err := coremodel.UnmarshalConnection(m.Connection)
	if err != nil {
		return nil, err
	}
	var settings map[string]string
	if len(m.Settings) > 0 {
		if err := json.Unmarshal(m.Settings, &settings); err != nil {
			return nil, err
		}
	}
	return &coremodel.Device{
		ID:         coremodel.DeviceID(m.ID),
		Name:       m.Name,
		Kind:       coremodel.DeviceKind(m.Kind),
		Connection: conn,
		Protocol:   coremodel.Protocol(m.Protocol),
		TerminalID: strVal(m.TerminalID),
		MerchantID: strVal(m.MerchantID),
		IsDefault:  m.IsDefault != 0,
		Enabled:    m.Enabled != 0,
		Settings:   settings,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}, nil
}

func txToModel(t *coremodel.Transaction) (*models.Transaction, error) {
	var customer, merchant []byte
	var err error
	if len(t.CustomerReceipt) > 0 {
		if customer, err = json.Marshal(t.CustomerReceipt); err != nil {
			return nil, err
		}
	}
	if len(t.MerchantReceipt) > 0 {
		if merchant, err = json.Marshal(t.MerchantReceipt); err != nil {
			return nil, err
		}
	}
	var tip *int64
	if t.TipAmountMinorUnits != 0 {
		v := t.TipAmountMinorUnits
		tip = &v
	}
	return &models.Transaction{
		ID:                string(t.ID),
		DeviceID:          string(t.DeviceID),
		OrderID:           strPtr(t.OrderID),
		Kind:              string(t.Kind),
		Amount:            t.AmountMinorUnits,
		TipAmount:         tip,
		Currency:          t.Currency,
		Status:            string(t.Status),
		AuthorizationCode: strPtr(t.AuthorizationCode),
		TerminalReference: strPtr(t.TerminalReference),
		CardType:          strPtr(string(t.CardType)),
		CardLastFour:      strPtr(t.CardLastFour),
		EntryMethod:       strPtr(string(t.EntryMethod)),
		CardholderName:    strPtr(t.CardholderName),
		CustomerReceipt:   customer,
		MerchantReceipt:   merchant,
		ErrorMessage:      strPtr(t.ErrorMessage),
		ErrorCode:         strPtr(t.ErrorCode),
		OriginalID:        strPtr(string(t.OriginalTransactionID)),
		StartedAt:         t.StartedAt,
		CompletedAt:       t.CompletedAt,
		CreatedAt:         t.CreatedAt,
	}, nil
}

func txFromModel(m *models.Transaction) (*coremodel.Transaction, error) {
	var customer, merchant []string
	if len(m.CustomerReceipt) > 0 {
		if err := json.Unmarshal(m.CustomerReceipt, &customer); err != nil {
			return nil, err
		}
	}
	if len(m.MerchantReceipt) > 0 {
		if err := json.Unmarshal(m.MerchantReceipt, &merchant); err != nil {
			return nil, err
		}
	}
	var tip int64
	if m.TipAmount != nil {
		tip = *m.TipAmount
	}
	return &coremodel.Transaction{
		ID:                    coremodel.TransactionID(m.ID),
		DeviceID:              coremodel.DeviceID(m.DeviceID),
		OrderID:               strVal(m.OrderID),
		Kind:                  coremodel.TransactionKind(m.Kind),
		AmountMinorUnits:      m.Amount,
		TipAmountMinorUnits:   tip,
		Currency:              m.Currency,
		Status:                coremodel.TransactionStatus(m.Status),
		AuthorizationCode:     strVal(m.AuthorizationCode),
		TerminalReference:     strVal(m.TerminalReference),
		CardType:              coremodel.CardType(strVal(m.CardType)),
		CardLastFour:          strVal(m.CardLastFour),
		EntryMethod:           coremodel.EntryMethod(strVal(m.EntryMethod)),
		CardholderName:        strVal(m.CardholderName),
		CustomerReceipt:       customer,
		MerchantReceipt:       merchant,
		ErrorMessage:          strVal(m.ErrorMessage),
		ErrorCode:             strVal(m.ErrorCode),
		OriginalTransactionID: coremodel.TransactionID(strVal(m.OriginalID)),
		StartedAt:             m.StartedAt,
		CompletedAt:           m.CompletedAt,
		CreatedAt:             m.CreatedAt,
	}, nil
}

func printerToModel(p *coremodel.Printer) (*models.Printer, error) {
	conn, err := coremodel.MarshalConnection(p.Connection)
	if err != nil {
		return nil, err
	}
	return &models.Printer{
		ID:                string(p.ID),
		Name:              p.Name,
		Kind:              p.Kind,
		Connection:        conn,
		PaperSize:         p.PaperSize,
		CharacterSet:      p.CharacterSet,
		Role:              string(p.Role),
		IsDefault:         boolInt(p.IsDefault),
		FallbackPrinterID: strPtr(string(p.FallbackPrinterID)),
		Enabled:           boolInt(p.Enabled),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}, nil
}

func printerFromModel(m *models.Printer) (*coremodel.Printer, error) {
	conn, err := coremodel.UnmarshalConnection(m.Connection)
	if err != nil {
		return nil, err
	}
	return &coremodel.Printer{
		ID:                coremodel.DeviceID(m.ID),
		Name:              m.Name,
		Kind:              m.Kind,
		Connection:        conn,
		PaperSize:         m.PaperSize,
		CharacterSet:      m.CharacterSet,
		Role:              coremodel.PrinterRole(m.Role),
		IsDefault:         m.IsDefault != 0,
		FallbackPrinterID: coremodel.DeviceID(strVal(m.FallbackPrinterID)),
		Enabled:           m.Enabled != 0,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func jobToModel(j *coremodel.PrintJob) *models.PrintJob {
	return &models.PrintJob{
		ID:          string(j.ID),
		PrinterID:   string(j.PrinterID),
		Type:        string(j.Type),
		Data:        j.Data,
		Priority:    j.Priority,
		Status:      string(j.Status),
		RetryCount:  j.RetryCount,
		LastError:   strPtr(j.LastError),
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

func jobFromModel(m *models.PrintJob) *coremodel.PrintJob {
	return &coremodel.PrintJob{
		ID:          coremodel.JobID(m.ID),
		PrinterID:   coremodel.DeviceID(m.PrinterID),
		Type:        coremodel.PrintJobType(m.Type),
		Data:        m.Data,
		Priority:    m.Priority,
		Status:      coremodel.JobStatus(m.Status),
		RetryCount:  m.RetryCount,
		LastError:   strVal(m.LastError),
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}
