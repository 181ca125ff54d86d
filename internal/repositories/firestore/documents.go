package firestore

import (
	domain "github.com/paylane/checkout/internal/domain"
)

// Shared document fragments reused by session, snapshot and order
// repositories.

type addressDocument struct {
	FirstName  string `firestore:"firstName,omitempty"`
	LastName   string `firestore:"lastName,omitempty"`
	Company    string `firestore:"company,omitempty"`
	Street1    string `firestore:"street1"`
	Street2    string `firestore:"street2,omitempty"`
	Street3    string `firestore:"street3,omitempty"`
	Street4    string `firestore:"street4,omitempty"`
	City       string `firestore:"city"`
	Region     string `firestore:"region,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
	Email      string `firestore:"email,omitempty"`
}

func addressToDocument(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	return &addressDocument{
		FirstName:  addr.FirstName,
		LastName:   addr.LastName,
		Company:    addr.Company,
		Street1:    addr.Street1,
		Street2:    addr.Street2,
		Street3:    addr.Street3,
		Street4:    addr.Street4,
		City:       addr.City,
		Region:     addr.Region,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
		Email:      addr.Email,
	}
}

func addressFromDocument(doc *addressDocument) *domain.Address {
	if doc == nil {
		return nil
	}
	return &domain.Address{
		FirstName:  doc.FirstName,
		LastName:   doc.LastName,
		Company:    doc.Company,
		Street1:    doc.Street1,
		Street2:    doc.Street2,
		Street3:    doc.Street3,
		Street4:    doc.Street4,
		City:       doc.City,
		Region:     doc.Region,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		Phone:      doc.Phone,
		Email:      doc.Email,
	}
}

type lineItemDocument struct {
	Reference            string `firestore:"reference"`
	SKU                  string `firestore:"sku"`
	Name                 string `firestore:"name"`
	Description          string `firestore:"description,omitempty"`
	UnitPrice            int64  `firestore:"unitPrice"`
	TotalPrice           int64  `firestore:"totalPrice"`
	RowTotalWithDiscount int64  `firestore:"rowTotalWithDiscount"`
	Quantity             int64  `firestore:"quantity"`
	ImageURL             string `firestore:"imageUrl,omitempty"`
}

func itemsToDocuments(items []domain.LineItem) []lineItemDocument {
	if len(items) == 0 {
		return nil
	}
	docs := make([]lineItemDocument, 0, len(items))
	for _, item := range items {
		docs = append(docs, lineItemDocument{
			Reference:            item.Reference,
			SKU:                  item.SKU,
			Name:                 item.Name,
			Description:          item.Description,
			UnitPrice:            item.UnitPrice,
			TotalPrice:           item.TotalPrice,
			RowTotalWithDiscount: item.RowTotalWithDiscount,
			Quantity:             item.Quantity,
			ImageURL:             item.ImageURL,
		})
	}
	return docs
}

func itemsFromDocuments(docs []lineItemDocument) []domain.LineItem {
	if len(docs) == 0 {
		return nil
	}
	items := make([]domain.LineItem, 0, len(docs))
	for _, doc := range docs {
		items = append(items, domain.LineItem{
			Reference:            doc.Reference,
			SKU:                  doc.SKU,
			Name:                 doc.Name,
			Description:          doc.Description,
			UnitPrice:            doc.UnitPrice,
			TotalPrice:           doc.TotalPrice,
			RowTotalWithDiscount: doc.RowTotalWithDiscount,
			Quantity:             doc.Quantity,
			ImageURL:             doc.ImageURL,
		})
	}
	return items
}

type totalsDocument struct {
	Subtotal   int64 `firestore:"subtotal"`
	Discount   int64 `firestore:"discount"`
	Tax        int64 `firestore:"tax"`
	Shipping   int64 `firestore:"shipping"`
	GrandTotal int64 `firestore:"grandTotal"`
}

func totalsToDocument(t domain.Totals) totalsDocument {
	return totalsDocument{
		Subtotal:   t.Subtotal,
		Discount:   t.Discount,
		Tax:        t.Tax,
		Shipping:   t.Shipping,
		GrandTotal: t.GrandTotal,
	}
}

func totalsFromDocument(doc totalsDocument) domain.Totals {
	return domain.Totals{
		Subtotal:   doc.Subtotal,
		Discount:   doc.Discount,
		Tax:        doc.Tax,
		Shipping:   doc.Shipping,
		GrandTotal: doc.GrandTotal,
	}
}

type shippingDocument struct {
	Carrier      string `firestore:"carrier"`
	CarrierTitle string `firestore:"carrierTitle,omitempty"`
	Method       string `firestore:"method"`
	MethodTitle  string `firestore:"methodTitle,omitempty"`
	Reference    string `firestore:"reference,omitempty"`
	Cost         int64  `firestore:"cost"`
	Tax          int64  `firestore:"tax"`
}

func shippingToDocument(sel *domain.ShippingSelection) *shippingDocument {
	if sel == nil {
		return nil
	}
	return &shippingDocument{
		Carrier:      sel.Carrier,
		CarrierTitle: sel.CarrierTitle,
		Method:       sel.Method,
		MethodTitle:  sel.MethodTitle,
		Reference:    sel.Reference,
		Cost:         sel.Cost,
		Tax:          sel.Tax,
	}
}

func shippingFromDocument(doc *shippingDocument) *domain.ShippingSelection {
	if doc == nil {
		return nil
	}
	return &domain.ShippingSelection{
		Carrier:      doc.Carrier,
		CarrierTitle: doc.CarrierTitle,
		Method:       doc.Method,
		MethodTitle:  doc.MethodTitle,
		Reference:    doc.Reference,
		Cost:         doc.Cost,
		Tax:          doc.Tax,
	}
}

func cloneBreakdown(values map[string]int64) map[string]int64 {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]int64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
