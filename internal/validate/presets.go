package validate

// OrderStatuses are the accepted values of orders.status.
var OrderStatuses = []any{"pending", "confirmed", "shipped", "delivered", "cancelled"}

// CustomerRules checks customer records after column mapping.
func CustomerRules() []Rule {
	return []Rule{
		Required("customer_code"),
		Required("name"),
		Email("email"),
		Pattern("phone", `^\+?[\d\s-]{10,20}$`, "Invalid phone format"),
		Between("credit_limit", 0, 10000000),
		Unique("customer_code"),
	}
}

// OrderRules checks order records after column mapping.
func OrderRules() []Rule {
	return []Rule{
		Required("order_number"),
		Required("customer_id"),
		Required("order_date"),
		Date("order_date", DefaultDateLayout),
		Required("total_amount"),
		AtLeast("total_amount", 0),
		OneOf("status", OrderStatuses...),
		Unique("order_number"),
	}
}
