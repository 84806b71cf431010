package domain

// Product is the read-only catalog view used at checkout and in notifications.
type Product struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Variants []Variant `json:"variants"`
}

func (p *Product) FindVariant(v Variant) (Variant, bool) {
	for _, candidate := range p.Variants {
		if candidate.Matches(v) {
			return candidate, true
		}
	}
	return Variant{}, false
}
