package httpserver

import (
	"storefront-checkout/internal/domain"
	"storefront-checkout/internal/service/order"
)

type checkoutResponse struct {
	Order           *domain.Order    `json:"order"`
	SuccessorCartID string           `json:"successorCartId"`
	Failure         *failureResponse `json:"partialFailure,omitempty"`
}

type failureResponse struct {
	SucceededSellerIDs []string                `json:"succeededSellerIds"`
	Failures           []sellerFailureResponse `json:"failures"`
	RetryCartID        string                  `json:"retryCartId,omitempty"`
}

type sellerFailureResponse struct {
	SellerID string `json:"sellerId"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

func toCheckoutResponse(res *order.Result) checkoutResponse {
	out := checkoutResponse{Order: res.Order, SuccessorCartID: res.SuccessorCartID}
	if f := res.Failure; f != nil {
		fr := &failureResponse{
			SucceededSellerIDs: f.SucceededSellerIDs,
			RetryCartID:        f.RetryCartID,
			Failures:           make([]sellerFailureResponse, 0, len(f.Failures)),
		}
		if fr.SucceededSellerIDs == nil {
			fr.SucceededSellerIDs = []string{}
		}
		for _, sf := range f.Failures {
			fr.Failures = append(fr.Failures, sellerFailureResponse{SellerID: sf.SellerID, Currency: sf.Currency, Reason: sf.Reason})
		}
		out.Failure = fr
	}
	return out
}
