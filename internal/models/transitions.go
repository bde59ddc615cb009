package models

var validTransitions = map[OrderStatus][]OrderStatus{
	OrderDetected:        {OrderExtracting, OrderManualReview, OrderCancelled},
	OrderExtracting:      {OrderPendingTransfer, OrderManualReview, OrderFailed, OrderCancelled},
	OrderPendingTransfer: {OrderCompleted, OrderFailed, OrderManualReview, OrderCancelled},
	OrderManualReview:    {OrderPendingTransfer, OrderCancelled},
}

func CanTransition(from, to OrderStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
