package domain

import "time"

// MaxCartLines caps the number of alive lines a cart may hold.
const MaxCartLines = 50

type CartState string

const (
	CartAlive      CartState = "alive"
	CartCheckedOut CartState = "checked_out"
	CartMerged     CartState = "merged"
)

type CodeSource string

const (
	CodeSourceManual CodeSource = "manual"
	CodeSourceURL    CodeSource = "url"
)

// Owner identifies whose cart is being addressed. Exactly one field is set.
type Owner struct {
	UserID  string
	GuestID string
}

func (o Owner) IsZero() bool { return o.UserID == "" && o.GuestID == "" }

func (o Owner) String() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "guest:" + o.GuestID
}

// AppliedCode is an offer code string attached to a cart.
type AppliedCode struct {
	Code   string     `json:"code"`
	Source CodeSource `json:"source"`
}

type Cart struct {
	ID          string        `json:"id"`
	UserID      *string       `json:"userId,omitempty"`
	GuestID     *string       `json:"-"`
	State       CartState     `json:"state"`
	SuccessorID *string       `json:"successorId,omitempty"`
	Currency    string        `json:"currency"`
	Codes       []AppliedCode `json:"discountCodes"`
	Lines       []CartLine    `json:"lines"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	DeletedAt   *time.Time    `json:"deletedAt,omitempty"`
}

// Owner returns the identity the cart belongs to.
func (c *Cart) Owner() Owner {
	if c.UserID != nil {
		return Owner{UserID: *c.UserID}
	}
	if c.GuestID != nil {
		return Owner{GuestID: *c.GuestID}
	}
	return Owner{}
}

func (c *Cart) IsAlive() bool { return c.State == CartAlive }

// FindLine returns the alive line with the given key.
func (c *Cart) FindLine(key LineKey) (CartLine, bool) {
	for _, l := range c.Lines {
		if l.Key() == key {
			return l, true
		}
	}
	return CartLine{}, false
}

// LineByID returns the alive line with the given id.
func (c *Cart) LineByID(id string) (CartLine, bool) {
	for _, l := range c.Lines {
		if l.ID == id {
			return l, true
		}
	}
	return CartLine{}, false
}

// HasCode reports whether code is attached, compared case-insensitively.
func (c *Cart) HasCode(code string) bool {
	for _, ac := range c.Codes {
		if NormalizeCode(ac.Code) == NormalizeCode(code) {
			return true
		}
	}
	return false
}

// CanTransition reports whether a cart in state from may move to state to.
func CanTransition(from, to CartState) bool {
	return from == CartAlive && (to == CartCheckedOut || to == CartMerged)
}

// LineKey is the uniqueness key of an alive cart line.
type LineKey struct {
	ProductID  string
	VariantID  string
	Recurrence Recurrence
}

type CartLine struct {
	ID                string     `json:"id"`
	CartID            string     `json:"cartId"`
	ProductID         string     `json:"productId"`
	VariantID         string     `json:"variantId,omitempty"`
	Recurrence        Recurrence `json:"recurrence,omitempty"`
	Quantity          int        `json:"quantity"`
	PWYWCents         *int64     `json:"pwywCents,omitempty"`
	Rental            bool       `json:"rental"`
	Referrer          string     `json:"referrer,omitempty"`
	BundleFingerprint string     `json:"-"`
	DisplayedCents    int64      `json:"displayedCents"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	DeletedAt         *time.Time `json:"-"`
}

func (l CartLine) Key() LineKey {
	return LineKey{ProductID: l.ProductID, VariantID: l.VariantID, Recurrence: l.Recurrence}
}
