package schema

import "github.com/JonMunkholm/dataload/internal/validate"

func init() {
	Register(Target{
		Key:   "customers",
		Table: "customers",
		Mapping: map[string]string{
			"code":             "customer_code",
			"customer_name":    "name",
			"email_address":    "email",
			"phone_number":     "phone",
			"country_code":     "country",
			"customer_segment": "segment",
			"credit_limit":     "credit_limit",
			"active":           "is_active",
		},
		KeyColumns: []string{"customer_code"},
		Indicators: []string{"customer", "email", "phone", "credit_limit", "segment"},
		Rules:      validate.CustomerRules,
	})

	Register(Target{
		Key:   "orders",
		Table: "orders",
		Mapping: map[string]string{
			"order_id":     "order_number",
			"customer_id":  "customer_id",
			"date":         "order_date",
			"amount":       "total_amount",
			"order_status": "status",
		},
		KeyColumns: []string{"order_number"},
		Indicators: []string{"order", "amount", "total", "quantity", "product"},
		Rules:      validate.OrderRules,
	})

	Register(Target{Key: Generic})
}
