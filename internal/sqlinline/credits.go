package sqlinline

const QEnsureCreditAccount = `--sql ffe0038d-aea2-459e-88c0-e18f44b324ef
insert into credit_accounts (user_id, credits, last_reset_at, created_at, updated_at)
values ($1::text, 0, null, now(), now())
on conflict (user_id) do nothing;
`

const QLockCreditAccount = `--sql 91ff0c5d-a6cc-4e45-9bc1-3b021f626509
select credits, last_reset_at
from credit_accounts
where user_id = $1::text
for update;
`

const QUpdateCreditAccount = `--sql 4cca8ec0-0dda-4427-b572-8bc259c41daf
update credit_accounts
set credits = $2::int,
    last_reset_at = $3::timestamptz,
    updated_at = now()
where user_id = $1::text;
`

const QSelectCreditAccount = `--sql 5a000393-f0f8-4aab-9e5d-4c05a99f6d52
select credits, last_reset_at
from credit_accounts
where user_id = $1::text;
`
