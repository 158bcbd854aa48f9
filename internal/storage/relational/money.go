package relational

import (
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

// numeric converts an arbitrary-precision smallest-unit amount into the
// pgtype.Numeric bind value for a NUMERIC(78,0) column. Every amount in this
// system is stored as an integer, never a floating point value, so Exp is
// always 0.
func numeric(v *big.Int) pgtype.Numeric {
	if v == nil {
		return pgtype.Numeric{Valid: false}
	}
	return pgtype.Numeric{Int: new(big.Int).Set(v), Exp: 0, Valid: true}
}

// bigInt converts a scanned pgtype.Numeric back into *big.Int, applying its
// exponent so a caller never has to reason about NUMERIC's internal scale.
func bigInt(n pgtype.Numeric) *big.Int {
	if !n.Valid || n.Int == nil {
		return nil
	}
	v := new(big.Int).Set(n.Int)
	switch {
	case n.Exp > 0:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil)
		v.Mul(v, scale)
	case n.Exp < 0:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil)
		v.Div(v, scale)
	}
	return v
}
