package services

import "clinic-queue/models"

var transitionMap = map[models.TokenStatus][]models.TokenStatus{
	models.TokenBooked:  {models.TokenWaiting},
	models.TokenWaiting: {models.TokenCalled, models.TokenNoShow, models.TokenCancelled},
	models.TokenCalled:  {models.TokenServing, models.TokenNoShow, models.TokenCancelled},
	models.TokenServing: {models.TokenCompleted},
}

// ValidTransition reports whether a token may move from one status to another.
func ValidTransition(from, to models.TokenStatus) bool {
	for _, allowed := range transitionMap[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
