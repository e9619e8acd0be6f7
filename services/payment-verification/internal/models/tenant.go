package models

// Retailer is a pharmacy buying from a wholesaler. IsActive is nil for
// records created before the flag existed and reads as active.
type Retailer struct {
	ID           string `json:"id" bson:"_id"`
	Name         string `json:"name" bson:"name"`
	Phone        string `json:"phone,omitempty" bson:"phone,omitempty"`
	WholesalerID string `json:"wholesaler_id,omitempty" bson:"wholesaler_id,omitempty"`
	IsActive     *bool  `json:"is_active,omitempty" bson:"is_active,omitempty"`
}

func (r *Retailer) Active() bool {
	return r.IsActive == nil || *r.IsActive
}

// Wholesaler is the tenant that employs line workers.
type Wholesaler struct {
	ID    string `json:"id" bson:"_id"`
	Name  string `json:"name" bson:"name"`
	Phone string `json:"phone,omitempty" bson:"phone,omitempty"`
}
