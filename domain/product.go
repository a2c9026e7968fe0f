package domain

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

const (
	ProductCreated = "product-created"
	ProductUpdated = "product-updated"
	ProductDeleted = "product-deleted"
)

// ProductSchemaVersion is the schema version written by current producers.
// Older versions are upcast on read, never rewritten in the log.
const ProductSchemaVersion = 2

// Product is the materialized state of one aggregate entity.
type Product struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Price       float64 `json:"price"`
}

// productPayloadV1 predates the description field.
type productPayloadV1 struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

func upcastProductV1(p productPayloadV1) Product {
	return Product{ID: p.ID, Name: p.Name, Price: p.Price}
}

// DecodeProduct deserializes a product payload, upcasting older schema
// versions to the current shape. Version 0 is treated as 1 so that payloads
// written before versioning still decode.
func DecodeProduct(payload []byte, schemaVersion int) (Product, error) {
	switch schemaVersion {
	case 0, 1:
		var v1 productPayloadV1
		if err := sonic.Unmarshal(payload, &v1); err != nil {
			return Product{}, fmt.Errorf("decode product payload v1: %w", err)
		}
		return upcastProductV1(v1), nil
	case ProductSchemaVersion:
		var p Product
		if err := sonic.Unmarshal(payload, &p); err != nil {
			return Product{}, fmt.Errorf("decode product payload: %w", err)
		}
		return p, nil
	default:
		return Product{}, fmt.Errorf("unsupported product schema version %d", schemaVersion)
	}
}

// EncodeProduct serializes a product at the current schema version.
func EncodeProduct(p Product) ([]byte, error) {
	return sonic.Marshal(p)
}

type productRef struct {
	ID string `json:"id"`
}

// ProductID extracts the entity id from any product event payload. Deleted
// events carry only the id.
func ProductID(payload []byte) (string, error) {
	var ref productRef
	if err := sonic.Unmarshal(payload, &ref); err != nil {
		return "", fmt.Errorf("decode product id: %w", err)
	}
	if ref.ID == "" {
		return "", errors.New("product event payload without id")
	}
	return ref.ID, nil
}

// DeletedPayload builds the minimal payload recorded for a deletion.
func DeletedPayload(productID string) ([]byte, error) {
	return sonic.Marshal(productRef{ID: productID})
}

// ApplyProduct folds a single product event into state. Created and updated
// events upsert the decoded product; deleted events remove it.
func ApplyProduct(state map[string]Product, eventType string, payload []byte, schemaVersion int) error {
	switch eventType {
	case ProductCreated, ProductUpdated:
		p, err := DecodeProduct(payload, schemaVersion)
		if err != nil {
			return err
		}
		if p.ID == "" {
			return errors.New("product event payload without id")
		}
		state[p.ID] = p
	case ProductDeleted:
		id, err := ProductID(payload)
		if err != nil {
			return err
		}
		delete(state, id)
	default:
		return fmt.Errorf("unknown product event type %s", eventType)
	}
	return nil
}
