package models

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Attribute names understood by filters, sort keys and modifications.
const (
	AttrSerialNo   = "serialno"
	AttrCertStatus = "certStatus"
	AttrNotBefore  = "notBefore"
	AttrNotAfter   = "notAfter"
	AttrRevInfo    = "revInfo"
	AttrRevokedOn  = "revokedOn"
	AttrRevokedBy  = "revokedBy"
	AttrAutoRenew  = "autoRenew"
)

var attributeColumns = map[string]string{
	AttrSerialNo:   "serial_key",
	AttrCertStatus: "cert_status",
	AttrNotBefore:  "not_before",
	AttrNotAfter:   "not_after",
	AttrRevokedOn:  "revoked_on",
	AttrRevokedBy:  "revoked_by",
	AttrAutoRenew:  "auto_renew",
}

// Filter is a boolean expression over record attributes.
type Filter interface {
	fmt.Stringer
	build() (string, []interface{}, error)
}

type comparison struct {
	attr  string
	op    string
	value interface{}
}

func Eq(attr string, value interface{}) Filter { return comparison{attr, "=", value} }
func Le(attr string, value interface{}) Filter { return comparison{attr, "<=", value} }
func Ge(attr string, value interface{}) Filter { return comparison{attr, ">=", value} }

func (c comparison) String() string {
	return fmt.Sprintf("(%s%s%v)", c.attr, c.op, c.value)
}

func (c comparison) build() (string, []interface{}, error) {
	column, ok := attributeColumns[c.attr]
	if !ok {
		return "", nil, fmt.Errorf("unknown filter attribute %q", c.attr)
	}
	value, err := columnValue(c.attr, c.value)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s %s ?", column, c.op), []interface{}{value}, nil
}

type junction struct {
	op      string
	filters []Filter
}

func And(filters ...Filter) Filter { return junction{"AND", filters} }
func Or(filters ...Filter) Filter  { return junction{"OR", filters} }

func (j junction) String() string {
	symbol := "&"
	if j.op == "OR" {
		symbol = "|"
	}
	parts := make([]string, len(j.filters))
	for i, f := range j.filters {
		parts[i] = f.String()
	}
	return fmt.Sprintf("(%s%s)", symbol, strings.Join(parts, ""))
}

func (j junction) build() (string, []interface{}, error) {
	if len(j.filters) == 0 {
		return "", nil, fmt.Errorf("empty %s filter", j.op)
	}
	clauses := make([]string, 0, len(j.filters))
	args := []interface{}{}
	for _, f := range j.filters {
		clause, fargs, err := f.build()
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, clause)
		args = append(args, fargs...)
	}
	return "(" + strings.Join(clauses, " "+j.op+" ") + ")", args, nil
}

type negation struct {
	filter Filter
}

func Not(filter Filter) Filter { return negation{filter} }

func (n negation) String() string {
	return fmt.Sprintf("(!%s)", n.filter)
}

func (n negation) build() (string, []interface{}, error) {
	clause, args, err := n.filter.build()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + clause + ")", args, nil
}

func columnValue(attr string, value interface{}) (interface{}, error) {
	switch attr {
	case AttrSerialNo:
		serial, ok := value.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("attribute %s needs a *big.Int, got %T", attr, value)
		}
		return SerialKey(serial)
	case AttrNotBefore, AttrNotAfter, AttrRevokedOn:
		t, ok := value.(time.Time)
		if !ok {
			return nil, fmt.Errorf("attribute %s needs a time.Time, got %T", attr, value)
		}
		return normalizeTime(t), nil
	case AttrCertStatus:
		status, ok := value.(CertStatus)
		if !ok {
			return nil, fmt.Errorf("attribute %s needs a CertStatus, got %T", attr, value)
		}
		return string(status), nil
	case AttrAutoRenew:
		if renew, ok := value.(AutoRenew); ok {
			return string(renew), nil
		}
		return nil, fmt.Errorf("attribute %s needs an AutoRenew, got %T", attr, value)
	default:
		return value, nil
	}
}
