package domain

// MergePlan describes how a guest cart folds into a user cart.
type MergePlan struct {
	// Lines are guest lines to insert into the user cart. IDs are cleared.
	Lines []CartLine
	Codes []AppliedCode
	// Conflicts are guest lines dropped because the user cart already has the key.
	Conflicts []CartLine
	// Overflow are guest lines dropped because the user cart is full.
	Overflow []CartLine
}

// PlanMerge keeps every user line, adds guest lines whose key is new while
// the cart stays under MaxCartLines, and unions the codes.
func PlanMerge(guest, user Cart) MergePlan {
	var plan MergePlan
	room := MaxCartLines - len(user.Lines)
	for _, gl := range guest.Lines {
		if _, ok := user.FindLine(gl.Key()); ok {
			plan.Conflicts = append(plan.Conflicts, gl)
			continue
		}
		if room <= 0 {
			plan.Overflow = append(plan.Overflow, gl)
			continue
		}
		copied := gl
		copied.ID = ""
		copied.CartID = user.ID
		plan.Lines = append(plan.Lines, copied)
		room--
	}

	plan.Codes = append(plan.Codes, user.Codes...)
	for _, c := range guest.Codes {
		if !user.HasCode(c.Code) {
			plan.Codes = append(plan.Codes, c)
		}
	}
	return plan
}
