package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})
	fk := &pq.Error{Code: "23503"}
	invalid := &pq.Error{Code: "22P02"}

	if !IsUniqueViolation(unique) || IsUniqueViolation(fk) {
		t.Fatal("unique violation misclassified")
	}
	if !IsForeignKeyViolation(fk) || IsForeignKeyViolation(unique) {
		t.Fatal("foreign key violation misclassified")
	}
	if !IsInvalidText(invalid) {
		t.Fatal("invalid text misclassified")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Fatal("plain error classified as pq error")
	}
}
