package sqlinline

const QInsertGenerationJob = `--sql 4e6d99bd-0e3d-4ddc-a272-9507cb411852
insert into generation_jobs (id, user_id, source_image_url, style_id, filter_ids, status, created_at, updated_at)
values ($1::uuid, $2::text, $3::text, $4::text, coalesce($5::jsonb, '[]'::jsonb), 'pending', now(), now());
`

const QClaimGenerationJob = `--sql 8c5e7bd3-3088-4d22-a931-87db1f5116ea
with next_job as (
    select id
    from generation_jobs
    where status = 'pending'
    order by created_at asc
    for update skip locked
    limit 1
),
claimed as (
    update generation_jobs
    set status = 'composing', updated_at = now()
    where id in (select id from next_job)
    returning id::text, user_id, source_image_url, style_id, filter_ids, status, created_at
)
select * from claimed;
`

const QUpdateGenerationJobStatus = `--sql a9637819-29db-4fc1-afc4-b133bc7b02e8
update generation_jobs
set status = $2::text, updated_at = now()
where id = $1::uuid
  and status in ('composing', 'attempting');
`

const QTouchGenerationJob = `--sql 3f0d2b8e-6c1a-4e57-9b42-d8a7e5c19f60
update generation_jobs
set updated_at = now()
where id = $1::uuid
  and status in ('composing', 'attempting');
`

const QCompleteGenerationJob = `--sql 7298fe7f-7807-45a0-a1e6-bbf776757657
update generation_jobs
set status = 'succeeded',
    image_url = $2::text,
    provider_id = $3::text,
    attempts = coalesce($4::jsonb, '[]'::jsonb),
    updated_at = now()
where id = $1::uuid
  and status in ('composing', 'attempting');
`

const QFailGenerationJob = `--sql 5099bec5-f3fc-403d-886b-1ef652cc07e1
update generation_jobs
set status = 'failed',
    failure_reason = $2::text,
    attempts = coalesce($3::jsonb, '[]'::jsonb),
    updated_at = now()
where id = $1::uuid
  and status in ('composing', 'attempting');
`

const QCancelGenerationJob = `--sql 1b0e7b75-3e23-4ab2-97e7-137eeaf6548a
update generation_jobs
set status = 'canceled', failure_reason = 'canceled', updated_at = now()
where id = $1::uuid
  and user_id = $2::text
  and status in ('pending', 'composing', 'attempting');
`

const QSelectGenerationJobForUser = `--sql f6ca9d0e-6348-4dc0-9944-05768a83b6e2
select id::text, user_id, source_image_url, style_id, filter_ids, status,
       coalesce(image_url, ''), coalesce(provider_id, ''), coalesce(failure_reason, ''),
       created_at, updated_at
from generation_jobs
where id = $1::uuid
  and user_id = $2::text;
`

const QSelectGenerationJobStatus = `--sql 8c4a6e48-4abd-4c9c-8b93-06acea09b8fc
select status
from generation_jobs
where id = $1::uuid;
`

const QFailStaleGenerationJobs = `--sql bc45aade-f11e-4ed4-a335-4c0b4100e800
update generation_jobs
set status = 'failed', failure_reason = 'abandoned', updated_at = now()
where status in ('composing', 'attempting')
  and updated_at < now() - make_interval(secs => $1::int);
`
