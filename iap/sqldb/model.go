package sqldb

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/code-payments/flipchat-iap/iap"
)

const (
	productTable = "product_cache"
	paymentTable = "payment"
)

type productModel struct {
	Provider    string `db:"provider"`
	ProductID   string `db:"product_id"`
	Price       string `db:"price"`
	PriceAmount string `db:"price_amount"`
	Currency    string `db:"currency"`
	Title       string `db:"title"`
	Description string `db:"description"`
	CacheTime   int64  `db:"cache_time"`
}

// paymentModel is a payment row joined with its optional product_cache row.
type paymentModel struct {
	Provider              string `db:"provider"`
	ProductID             string `db:"product_id"`
	Type                  int    `db:"type"`
	UserInfo              string `db:"user_info"`
	ApplicationUsername   string `db:"application_username"`
	TransactionID         string `db:"tran_id"`
	OriginalTransactionID string `db:"ori_tran_id"`
	PurchaseTime          int64  `db:"purchase_time"`
	ExpireTime            int64  `db:"expire_time"`
	State                 string `db:"tran_state"`

	Price       sql.NullString `db:"price"`
	PriceAmount sql.NullString `db:"price_amount"`
	Currency    sql.NullString `db:"currency"`
	Title       sql.NullString `db:"title"`
	Description sql.NullString `db:"description"`
	CacheTime   sql.NullInt64  `db:"cache_time"`
}

func toProductModel(p *iap.Product) *productModel {
	return &productModel{
		Provider:    p.ProviderName,
		ProductID:   p.ProductID,
		Price:       p.Price,
		PriceAmount: p.PriceAmount.String(),
		Currency:    p.Currency,
		Title:       p.LocalizedTitle,
		Description: p.LocalizedDescription,
		CacheTime:   toMillis(p.CacheTime),
	}
}

func fromProductModel(m *productModel) (*iap.Product, error) {
	amount, err := parseAmount(m.PriceAmount)
	if err != nil {
		return nil, err
	}
	return &iap.Product{
		ProviderName:         m.Provider,
		ProductID:            m.ProductID,
		Price:                m.Price,
		PriceAmount:          amount,
		Currency:             m.Currency,
		LocalizedTitle:       m.Title,
		LocalizedDescription: m.Description,
		CacheTime:            fromMillis(m.CacheTime),
	}, nil
}

func toPaymentModel(p *iap.Payment) (*paymentModel, error) {
	userInfo, err := json.Marshal(p.UserInfo)
	if err != nil {
		return nil, err
	}
	return &paymentModel{
		Provider:              p.ProviderName(),
		ProductID:             p.ProductID(),
		Type:                  int(p.Type),
		UserInfo:              string(userInfo),
		ApplicationUsername:   p.ApplicationUsername,
		TransactionID:         p.TransactionID,
		OriginalTransactionID: p.OriginalTransactionID,
		PurchaseTime:          toMillis(p.PurchaseTime),
		ExpireTime:            toMillis(p.ExpireTime),
		State:                 p.State.String(),
	}, nil
}

func fromPaymentModel(m *paymentModel) (*iap.Payment, error) {
	var userInfo map[string]any
	if m.UserInfo != "" {
		if err := json.Unmarshal([]byte(m.UserInfo), &userInfo); err != nil {
			return nil, err
		}
	}

	p := &iap.Payment{
		Product: iap.Product{
			ProviderName: m.Provider,
			ProductID:    m.ProductID,
		},
		Type:                  iap.ProductType(m.Type),
		UserInfo:              userInfo,
		ApplicationUsername:   m.ApplicationUsername,
		TransactionID:         m.TransactionID,
		OriginalTransactionID: m.OriginalTransactionID,
		PurchaseTime:          fromMillis(m.PurchaseTime),
		ExpireTime:            fromMillis(m.ExpireTime),
		State:                 iap.TransactionState(m.State),
	}

	if m.CacheTime.Valid {
		amount, err := parseAmount(m.PriceAmount.String)
		if err != nil {
			return nil, err
		}
		p.Product.Price = m.Price.String
		p.Product.PriceAmount = amount
		p.Product.Currency = m.Currency.String
		p.Product.LocalizedTitle = m.Title.String
		p.Product.LocalizedDescription = m.Description.String
		p.Product.CacheTime = fromMillis(m.CacheTime.Int64)
	}
	return p, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
