package negotiation

// Selection 是跨卖方比价的结果。
type Selection struct {
	Offer Offer `json:"offer"`
	// DealQualifying 表示胜出报盘是否真正达成且在预算内。
	// 为 false 时仅代表"全场最低价"，不可进入结算。
	DealQualifying bool `json:"deal_qualifying"`
}

// SelectBestOffer 在所有终态报盘中挑选胜者：
// 优先在达成且在预算内的报盘中取最低价；若一单未成，
// 退而在全部报盘中取最低价并标记为不可成交。
// 价格相同按输入顺序先到先得，选择是稳定的。
func SelectBestOffer(offers []Offer) (Selection, bool) {
	if len(offers) == 0 {
		return Selection{}, false
	}

	bestAgreed := -1
	bestAny := 0
	for idx, offer := range offers {
		if offer.NegotiatedPrice.LessThan(offers[bestAny].NegotiatedPrice) {
			bestAny = idx
		}
		if !offer.Agreed {
			continue
		}
		if bestAgreed < 0 || offer.NegotiatedPrice.LessThan(offers[bestAgreed].NegotiatedPrice) {
			bestAgreed = idx
		}
	}

	if bestAgreed >= 0 {
		return Selection{Offer: offers[bestAgreed], DealQualifying: true}, true
	}
	return Selection{Offer: offers[bestAny], DealQualifying: false}, true
}
