package pgstore

const (
	accountColumns = `
		user_id,
		monthly_credits,
		purchased_credits,
		credits_used_this_month,
		total_credits_used,
		extract(epoch from last_reset_at)::bigint,
		extract(epoch from created_at)::bigint
	`

	sqlSelectAccountForUpdate = `select ` + accountColumns + ` from credit_accounts where user_id = $1 for update`

	sqlSelectAccount = `select ` + accountColumns + ` from credit_accounts where user_id = $1`

	sqlInsertAccount = `
		insert into credit_accounts(
			user_id, monthly_credits, purchased_credits, credits_used_this_month, total_credits_used,
			last_reset_at, created_at, updated_at
		)
		values ($1, $2, $3, $4, $5, to_timestamp($6), to_timestamp($7), to_timestamp($7))
		on conflict (user_id) do nothing
	`

	sqlResetAccount = `
		update credit_accounts
		set monthly_credits = $2, credits_used_this_month = 0, last_reset_at = to_timestamp($3), updated_at = now()
		where user_id = $1
	`

	sqlDebitMonthly = `
		update credit_accounts
		set monthly_credits = monthly_credits - 1, updated_at = now()
		where user_id = $1 and monthly_credits > 0
	`

	sqlDebitMonthlyWithUsage = `
		update credit_accounts
		set monthly_credits = monthly_credits - 1,
			credits_used_this_month = credits_used_this_month + 1,
			total_credits_used = total_credits_used + 1,
			updated_at = now()
		where user_id = $1 and monthly_credits > 0
	`

	sqlDebitPurchased = `
		update credit_accounts
		set purchased_credits = purchased_credits - 1, updated_at = now()
		where user_id = $1 and purchased_credits > 0
	`

	sqlDebitPurchasedWithUsage = `
		update credit_accounts
		set purchased_credits = purchased_credits - 1,
			total_credits_used = total_credits_used + 1,
			updated_at = now()
		where user_id = $1 and purchased_credits > 0
	`

	sqlAddMonthly = `
		update credit_accounts set monthly_credits = monthly_credits + $2, updated_at = now() where user_id = $1
	`

	sqlAddPurchased = `
		update credit_accounts set purchased_credits = purchased_credits + $2, updated_at = now() where user_id = $1
	`

	sqlRecordUsage = `
		update credit_accounts set total_credits_used = total_credits_used + 1, updated_at = now() where user_id = $1
	`

	sqlRecordUsageThisMonth = `
		update credit_accounts
		set total_credits_used = total_credits_used + 1,
			credits_used_this_month = credits_used_this_month + 1,
			updated_at = now()
		where user_id = $1
	`

	sqlInsertEntry = `
		insert into credit_entries(
			entry_id, user_id, type, pool, amount, reference_id, idempotency_key, metadata, created_at
		)
		values(
			coalesce(nullif($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7,
			coalesce(nullif($8, ''), '{}')::jsonb,
			to_timestamp($9)
		)
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			user_id,
			type,
			pool,
			amount,
			reference_id,
			idempotency_key,
			coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from credit_entries
		where user_id = $1
			and (
				created_at < to_timestamp($2)
				or (created_at = to_timestamp($2) and entry_id < nullif($3, '')::uuid)
			)
		order by created_at desc, entry_id desc
		limit $4
	`

	sqlInsertPurchase = `
		insert into credit_purchases(
			purchase_id, user_id, pack_id, price_cents, credits, bonus_credits, total_credits,
			payment_reference, status, created_at
		)
		values ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, to_timestamp($10))
	`

	purchaseColumns = `
		purchase_id::text,
		user_id,
		pack_id,
		price_cents,
		credits,
		bonus_credits,
		total_credits,
		payment_reference,
		status,
		extract(epoch from created_at)::bigint,
		coalesce(extract(epoch from completed_at)::bigint, 0),
		coalesce(extract(epoch from expired_at)::bigint, 0)
	`

	sqlSelectPurchaseByReference = `select ` + purchaseColumns + ` from credit_purchases where payment_reference = $1`

	sqlSelectPurchaseByReferenceForUpdate = sqlSelectPurchaseByReference + ` for update`

	sqlUpdatePurchaseStatus = `
		update credit_purchases
		set status = $3::text,
			completed_at = case when $3::text = 'completed' then to_timestamp($4) else completed_at end,
			expired_at = case when $3::text = 'expired' then to_timestamp($4) else expired_at end
		where purchase_id = $1::uuid and status = any($2::text[])
	`

	sqlExpirePurchases = `
		update credit_purchases
		set status = 'expired', expired_at = to_timestamp($2)
		where status = 'pending' and created_at < to_timestamp($1)
	`

	sqlRefundExists = `select exists(select 1 from credit_refunds where resource_id = $1)`

	sqlCountRefundsSince = `
		select count(*) from credit_refunds where user_id = $1 and created_at >= to_timestamp($2)
	`

	sqlInsertRefund = `
		insert into credit_refunds(refund_id, user_id, resource_id, feedback_id, credits, reason, created_at)
		values ($1::uuid, $2, $3, $4, $5, $6, to_timestamp($7))
	`

	sqlInsertReservation = `
		insert into credit_reservations(user_id, reservation_id, pool, status, created_at, updated_at)
		values ($1, $2, $3, $4, to_timestamp($5), to_timestamp($5))
	`

	sqlSelectReservation = `
		select user_id, reservation_id, pool, status, extract(epoch from created_at)::bigint
		from credit_reservations
		where user_id = $1 and reservation_id = $2
		for update
	`

	sqlUpdateReservationStatus = `
		update credit_reservations
		set status = $4, updated_at = now()
		where user_id = $1 and reservation_id = $2 and status = $3
	`

	sqlSelectSubscriber = `
		select plan, coalesce(extract(epoch from subscription_expires_at)::bigint, 0)
		from subscribers
		where user_id = $1
	`

	sqlSelectResource = `
		select owner_id, extract(epoch from created_at)::bigint
		from generated_resources
		where resource_id = $1
	`

	sqlUpsertSubscriber = `
		insert into subscribers(user_id, plan, subscription_expires_at)
		values ($1, $2, case when $3::bigint = 0 then null else to_timestamp($3) end)
		on conflict (user_id) do update
		set plan = excluded.plan, subscription_expires_at = excluded.subscription_expires_at
	`

	sqlInsertResource = `
		insert into generated_resources(resource_id, owner_id, created_at)
		values ($1, $2, case when $3::bigint = 0 then now() else to_timestamp($3) end)
	`
)
