package sqlinline

const QInsertGenerationRecord = `--sql 18538a58-d79d-4e4f-98f1-f71f660b3ad1
insert into generations (id, user_id, prompt_style, image_url, created_at)
values ($1::uuid, $2::text, $3::text, $4::text, $5::timestamptz);
`

const QSelectGenerationRecordsByUser = `--sql 1f26c1e7-d86f-4bfd-bf93-12a5516225c1
select id::text, user_id, prompt_style, image_url, created_at
from generations
where user_id = $1::text
order by created_at desc
limit $2::int;
`
